package models

import (
	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/identity"
	"github.com/shopspring/decimal"
)

// TenantRecordModel is the persistence model for the Tenant domain entity.
// The tenants table is the root of isolation and is not itself scoped.
type TenantRecordModel struct {
	BaseModel
	Code   string                `gorm:"type:varchar(50);not null;uniqueIndex"`
	Name   string                `gorm:"type:varchar(200);not null"`
	Status identity.TenantStatus `gorm:"type:varchar(20);not null;default:'active'"`
}

// TableName returns the table name for GORM
func (TenantRecordModel) TableName() string {
	return "tenants"
}

// ToDomain converts the persistence model to a domain Tenant entity
func (m *TenantRecordModel) ToDomain() *identity.Tenant {
	return &identity.Tenant{
		BaseEntity: m.BaseModel.ToDomain(),
		Code:       m.Code,
		Name:       m.Name,
		Status:     m.Status,
	}
}

// TenantRecordModelFromDomain creates a persistence model from a domain Tenant
func TenantRecordModelFromDomain(t *identity.Tenant) *TenantRecordModel {
	m := &TenantRecordModel{
		Code:   t.Code,
		Name:   t.Name,
		Status: t.Status,
	}
	m.FromDomainBaseEntity(t.BaseEntity)
	return m
}

// UserModel is the persistence model for the User domain entity.
type UserModel struct {
	TenantModel
	BranchID uuid.UUID       `gorm:"type:uuid;not null;index"`
	Username string          `gorm:"type:varchar(100);not null"`
	Balance  decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
}

// TableName returns the table name for GORM
func (UserModel) TableName() string {
	return "users"
}

// ToDomain converts the persistence model to a domain User entity.
func (m *UserModel) ToDomain() *identity.User {
	return &identity.User{
		TenantEntity: m.ToTenantEntity(),
		BranchID:     m.BranchID,
		Username:     m.Username,
		Balance:      m.Balance,
	}
}

// FromDomain populates the persistence model from a domain User entity.
func (m *UserModel) FromDomain(u *identity.User) {
	m.FromDomainTenantEntity(u.TenantEntity)
	m.BranchID = u.BranchID
	m.Username = u.Username
	m.Balance = u.Balance
}

// UserModelFromDomain creates a new persistence model from a domain User entity.
func UserModelFromDomain(u *identity.User) *UserModel {
	m := &UserModel{}
	m.FromDomain(u)
	return m
}
