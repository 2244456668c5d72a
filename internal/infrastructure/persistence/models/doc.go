// Package models contains GORM-specific persistence models that map to database tables.
// These models are separate from domain entities to keep the domain layer pure and free
// from ORM concerns.
//
// Key Principles:
// 1. Domain entities carry no GORM tags
// 2. Every tenant-owned table embeds TenantModel and so carries an indexed tenant_id
// 3. Mappers convert between domain entities and persistence models
// 4. Repositories use persistence models for database operations
//
// Structure:
// - base.go: BaseModel, TenantModel and the model registries
// - identity.go: tenants and users
// - billing.go: invoices, sessions, attendance, form options and answers
// - mutation.go: the durable mutation queue
package models
