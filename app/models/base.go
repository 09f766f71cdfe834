package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ensureID assigns a UUID primary key when the caller left it empty.
func ensureID(id *string) {
	if *id == "" {
		*id = uuid.New().String()
	}
}

func (o *Organization) BeforeCreate(tx *gorm.DB) error {
	ensureID(&o.ID)
	return nil
}

func (p *Plan) BeforeCreate(tx *gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

func (c *Channel) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}

func (pc *PlanChannel) BeforeCreate(tx *gorm.DB) error {
	ensureID(&pc.ID)
	return nil
}

func (c *Customer) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}

func (pa *ProviderAccount) BeforeCreate(tx *gorm.DB) error {
	ensureID(&pa.ID)
	return nil
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	ensureID(&s.ID)
	return nil
}

func (ca *ChannelAccess) BeforeCreate(tx *gorm.DB) error {
	ensureID(&ca.ID)
	return nil
}

func (e *PaymentEvent) BeforeCreate(tx *gorm.DB) error {
	ensureID(&e.ID)
	return nil
}

func (e *Entitlement) BeforeCreate(tx *gorm.DB) error {
	ensureID(&e.ID)
	return nil
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	ensureID(&a.ID)
	return nil
}

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Organization{},
		&Plan{},
		&Channel{},
		&PlanChannel{},
		&Customer{},
		&ProviderAccount{},
		&Subscription{},
		&ChannelAccess{},
		&PaymentEvent{},
		&Entitlement{},
		&AuditLog{},
	}
}
