package insert

import (
	"github.com/ajitpratap0/rowpipe/pkg/config"
	"github.com/ajitpratap0/rowpipe/pkg/errors"
)

// TableSchema is a table definition as stored in a schema file.
//
//	table: events
//	database: analytics
//	format: auto
//	columns:
//	  - name: id
//	    type: UUID
//	    generate_id: v7
//	  - name: level
//	    type: Enum8('info' = 1, 'error' = 2)
//	    default: info
type TableSchema struct {
	Table    string      `yaml:"table" json:"table"`
	Database string      `yaml:"database,omitempty" json:"database,omitempty"`
	Format   string      `yaml:"format,omitempty" json:"format,omitempty"`
	Columns  []ColumnDef `yaml:"columns" json:"columns"`
}

// LoadSchema reads a YAML table definition. ${VAR} references are replaced
// with environment values before parsing.
func LoadSchema(path string) (*TableSchema, error) {
	var s TableSchema
	if err := config.LoadYAML(path, &s); err != nil {
		return nil, err
	}
	if s.Table == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "schema %s: table is required", path)
	}
	if _, err := ParseFormat(s.Format); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "schema "+path)
	}
	return &s, nil
}

// QualifiedTable returns database.table, or the bare table name.
func (s *TableSchema) QualifiedTable() string {
	if s.Database == "" {
		return s.Table
	}
	return s.Database + "." + s.Table
}

// InsertFormat returns the configured format, FormatAuto when unset.
func (s *TableSchema) InsertFormat() Format {
	f, err := ParseFormat(s.Format)
	if err != nil {
		return FormatAuto
	}
	return f
}

// Plan builds the insert plan for the schema's columns.
func (s *TableSchema) Plan() (*Plan, error) {
	return Build(s.Columns)
}
