package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}},
		{name: "console debug", cfg: Config{Level: "debug", Encoding: "console", Development: true}},
		{name: "bad level", cfg: Config{Level: "loud"}, wantErr: true},
		{name: "bad encoding", cfg: Config{Encoding: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestWithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Get()
	Set(zap.New(core))
	t.Cleanup(func() { Set(prev) })

	ctx := context.WithValue(context.Background(), TableKey, "events")
	ctx = context.WithValue(ctx, BatchIDKey, uint64(42))
	ctx = context.WithValue(ctx, InsertIDKey, "insert-7")

	WithContext(ctx).Info("flushed")
	WithContext(context.Background()).Info("bare")

	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "events", fields["table"])
	assert.Equal(t, uint64(42), fields["batch_id"])
	assert.Equal(t, "insert-7", fields["insert_id"])
	assert.Empty(t, entries[1].Context)
}

func TestFieldsIgnoresWrongTypes(t *testing.T) {
	ctx := context.WithValue(context.Background(), BatchIDKey, 42)
	assert.Empty(t, Fields(ctx))
}
