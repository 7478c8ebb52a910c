// Package core provides the business logic for loading and validating
// CLDF Wordlist datasets.
//
// The package is independent of any transport or storage layer. It can be
// driven by web handlers, CLI tools, or tests without modification.
//
// # Loading
//
// [Load] is the main entry point. Given a resolved [cldf.Schema] and a
// [SourceSet] resolving the schema's csv urls, it streams every table
// through row validation concurrently and then checks referential
// integrity across tables:
//
//	schema, _ := cldf.LoadSchema(metadataFile)
//	_ = schema.Resolve()
//	ds, report, err := core.Load(ctx, schema, core.NewDirSource(dir), core.LoadOptions{})
//
// Only fatal conditions return an error: schema problems, unreadable or
// oversized sources, malformed CSV framing, cancellation. Everything at
// row granularity is recorded as a [Violation] in the [ValidationReport]
// and the load carries on, so one bad row never hides the rest.
//
// # Validation
//
// Each row is checked against its table's column definitions: required
// fields, datatype parsing, format regexes, numeric bounds. Separator
// columns are split into tokens and every token checked independently.
// Rows that validate cleanly are indexed by primary key; the first row
// wins a key and later duplicates are rejected.
//
// # Reference checking
//
// Foreign keys are checked only after every table has loaded, so tables
// can reference each other regardless of declaration or completion order.
// Dangling references are recorded but the referencing row is kept.
//
// # Runs
//
// [Service] wraps Load in an asynchronous run lifecycle: StartRun returns
// a run ID immediately, progress streams to subscribers, runs can be
// cancelled, and finished runs stay queryable for a retention window.
// Concurrency is bounded by [RunLimiter].
package core
