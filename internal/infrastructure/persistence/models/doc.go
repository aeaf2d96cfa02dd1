// Package models contains GORM-specific persistence models that map to database tables.
// These models are separate from domain entities to keep the domain layer pure and free
// from ORM concerns.
//
// Structure:
//   - base.go: shared id, timestamp and version columns
//   - emission.go: emission records, cancellation events and numbering counters
//   - job.go: the durable job queue
//   - source.go: the company, customer and order records a document is built from
package models
