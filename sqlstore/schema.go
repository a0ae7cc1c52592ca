package sqlstore

import (
	"fmt"
	"strings"

	"github.com/velmie/tablequeue/dialect"
)

type columnTypes struct {
	key       string
	char      string
	varchar   string
	timestamp string
	blob      string
	sequence  bool
}

func typesFor(name string) columnTypes {
	switch name {
	case dialect.Postgres:
		return columnTypes{key: "BIGSERIAL PRIMARY KEY", char: "CHAR(1)", varchar: "VARCHAR", timestamp: "TIMESTAMP", blob: "BYTEA"}
	case dialect.MySQL, dialect.MariaDB:
		return columnTypes{key: "BIGINT AUTO_INCREMENT PRIMARY KEY", char: "CHAR(1)", varchar: "VARCHAR", timestamp: "DATETIME(6)", blob: "LONGBLOB"}
	case dialect.Oracle:
		return columnTypes{key: "NUMBER(19) PRIMARY KEY", char: "CHAR(1)", varchar: "VARCHAR2", timestamp: "TIMESTAMP", blob: "BLOB", sequence: true}
	case dialect.MSSQL:
		return columnTypes{key: "BIGINT IDENTITY(1,1) PRIMARY KEY", char: "CHAR(1)", varchar: "NVARCHAR", timestamp: "DATETIME2", blob: "VARBINARY(MAX)"}
	case dialect.SQLite:
		return columnTypes{key: "INTEGER PRIMARY KEY AUTOINCREMENT", char: "CHAR(1)", varchar: "VARCHAR", timestamp: "TIMESTAMP", blob: "BLOB"}
	default:
		return columnTypes{key: "BIGINT AUTO_INCREMENT PRIMARY KEY", char: "CHAR(1)", varchar: "VARCHAR", timestamp: "TIMESTAMP", blob: "BLOB"}
	}
}

// Schema renders the DDL of the message table for the adapter's dialect:
// the table, a key sequence where the dialect needs one, and the two indexes
// used for queue scans and message id probes.
func Schema(adapter dialect.Adapter, cfg LogConfig) (string, error) {
	if adapter == nil {
		return "", ErrAdapterRequired
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return "", err
	}

	t := typesFor(adapter.Name())
	cols := cfg.Columns
	varchar := func(n int) string { return fmt.Sprintf("%s(%d)", t.varchar, n) }

	var lines []string
	add := func(name, typ string) {
		if name != "" {
			lines = append(lines, fmt.Sprintf("\t%s %s", name, typ))
		}
	}
	add(cols.Key, t.key)
	add(cols.Type, t.char)
	add(cols.SlotID, varchar(100))
	add(cols.Host, varchar(100))
	add(cols.MessageID, varchar(100))
	add(cols.CorrelationID, varchar(256))
	add(cols.Date, t.timestamp)
	add(cols.Comment, varchar(1000))
	add(cols.ExpiryDate, t.timestamp)
	add(cols.Label, varchar(1000))
	if !cfg.MetadataOnly {
		add(cols.Message, t.blob)
	}

	var b strings.Builder
	if t.sequence {
		seq := cfg.SequenceName
		if seq == "" {
			seq = "seq_" + cfg.Table
		}
		fmt.Fprintf(&b, "CREATE SEQUENCE %s START WITH 1 INCREMENT BY 1;\n\n", seq)
	}
	fmt.Fprintf(&b, "CREATE TABLE %s (\n%s\n);\n", cfg.Table, strings.Join(lines, ",\n"))

	base := indexBase(cfg.Table)
	scan := nonEmpty(cols.SlotID, cols.Type, cols.Date)
	fmt.Fprintf(&b, "\nCREATE INDEX ix_%s_scan ON %s (%s);\n", base, cfg.Table, strings.Join(scan, ", "))
	probe := nonEmpty(cols.SlotID, cols.MessageID)
	fmt.Fprintf(&b, "CREATE INDEX ix_%s_msgid ON %s (%s);\n", base, cfg.Table, strings.Join(probe, ", "))
	if cols.ExpiryDate != "" {
		fmt.Fprintf(&b, "CREATE INDEX ix_%s_expiry ON %s (%s);\n", base, cfg.Table, cols.ExpiryDate)
	}

	return b.String(), nil
}

func indexBase(table string) string {
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		return table[i+1:]
	}

	return table
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}

	return out
}
