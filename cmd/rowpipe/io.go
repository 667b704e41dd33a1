package main

import (
	"io"
	"os"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/insert"
	"github.com/ajitpratap0/rowpipe/pkg/json"
)

// openInput opens path, or stdin for "" and "-".
func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "open input")
	}
	return f, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// openOutput creates path, or returns stdout for "" and "-".
func openOutput(path string, stdout io.Writer) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "create output")
	}
	return f, nil
}

// readRows reads newline-delimited JSON objects.
func readRows(path string) ([]insert.Row, error) {
	in, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	docs, err := json.ReadLines(in)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "read JSON rows").WithDetail("row", len(docs))
	}
	rows := make([]insert.Row, len(docs))
	for i, d := range docs {
		rows[i] = insert.Row(d)
	}
	return rows, nil
}

func readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "read input")
	}
	return data, nil
}
