// Package storage is the tenant-scoped store accessor.
//
// Every lesson, payment and directory read takes a tenant id and filters by
// it. The job tables are process-level: the worker pool claims across tenants
// and each job row carries its own tenant id.
package storage
