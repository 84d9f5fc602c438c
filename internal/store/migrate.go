package store

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"text/template"

	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Default role names granted by the schema
const (
	DefaultWriterRole = "watermon_writer"
	DefaultReaderRole = "watermon_reader"
)

// SchemaOptions names the objects the migrations create
type SchemaOptions struct {
	RealtimeTable string
	UsageTable    string
	WriterRole    string
	ReaderRole    string
}

type schemaNames struct {
	Realtime, Usage, UsageIndex  string
	Writer, Reader               string
	WriterLiteral, ReaderLiteral string
}

func (o SchemaOptions) names() schemaNames {
	if o.RealtimeTable == "" {
		o.RealtimeTable = DefaultRealtimeTable
	}
	if o.UsageTable == "" {
		o.UsageTable = DefaultUsageTable
	}
	if o.WriterRole == "" {
		o.WriterRole = DefaultWriterRole
	}
	if o.ReaderRole == "" {
		o.ReaderRole = DefaultReaderRole
	}
	return schemaNames{
		Realtime:      pq.QuoteIdentifier(o.RealtimeTable),
		Usage:         pq.QuoteIdentifier(o.UsageTable),
		UsageIndex:    pq.QuoteIdentifier(o.UsageTable + "_time_device_idx"),
		Writer:        pq.QuoteIdentifier(o.WriterRole),
		Reader:        pq.QuoteIdentifier(o.ReaderRole),
		WriterLiteral: pq.QuoteLiteral(o.WriterRole),
		ReaderLiteral: pq.QuoteLiteral(o.ReaderRole),
	}
}

// Migration is one rendered schema file
type Migration struct {
	Name string
	SQL  string
}

// Migrations renders the embedded schema files in the order they must be applied
func Migrations(opts SchemaOptions) ([]Migration, error) {
	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)

	names := opts.names()
	out := make([]Migration, 0, len(files))
	for _, file := range files {
		raw, err := migrationFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", file, err)
		}

		tmpl, err := template.New(file).Option("missingkey=error").Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse migration %s: %w", file, err)
		}

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, names); err != nil {
			return nil, fmt.Errorf("failed to render migration %s: %w", file, err)
		}

		out = append(out, Migration{Name: strings.TrimPrefix(file, "migrations/"), SQL: buf.String()})
	}
	return out, nil
}

// Migrate applies every schema file in order. The files are idempotent.
func (p *Postgres) Migrate(ctx context.Context, opts SchemaOptions) error {
	if opts.RealtimeTable == "" {
		opts.RealtimeTable = unquote(p.realtime)
	}
	if opts.UsageTable == "" {
		opts.UsageTable = unquote(p.usage)
	}

	migrations, err := Migrations(opts)
	if err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}

	for _, m := range migrations {
		p.logger.WithField("migration", m.Name).Info("Running migration")
		if _, err := p.db.ExecContext(ctx, m.SQL); err != nil {
			return &StorageError{Op: "migrate", Err: fmt.Errorf("%s: %w", m.Name, err)}
		}
	}

	p.logger.WithField("count", len(migrations)).Info("All migrations completed successfully")
	return nil
}

// unquote reverses pq.QuoteIdentifier for the plain names this package generates
func unquote(ident string) string {
	ident = strings.TrimPrefix(ident, `"`)
	ident = strings.TrimSuffix(ident, `"`)
	return strings.ReplaceAll(ident, `""`, `"`)
}
