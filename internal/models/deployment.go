package models

import (
	"time"

	"gorm.io/datatypes"
)

// Deployment is one submitted configuration and the history of driving it
// through the Terraform CLI. Rows are never deleted by the engine.
type Deployment struct {
	ID                string         `gorm:"type:varchar(23);primaryKey" json:"id"`
	Origin            string         `gorm:"type:varchar(16);not null" json:"origin" validate:"required,oneof=query provision ai template"`
	UserID            string         `gorm:"type:varchar(64);index" json:"user_id"`
	Username          string         `gorm:"type:varchar(128)" json:"username"`
	Project           string         `gorm:"type:varchar(128)" json:"project"`
	Cloud             string         `gorm:"type:varchar(32)" json:"cloud"`
	Region            string         `gorm:"type:varchar(64)" json:"region"`
	Status            Status         `gorm:"type:varchar(32);index;not null" json:"status"`
	ErrorMessage      *string        `gorm:"type:text" json:"error_message,omitempty"`
	DeploymentSummary datatypes.JSON `json:"deployment_summary,omitempty"`
	Outputs           datatypes.JSON `json:"outputs,omitempty"`
	RetryCount        int            `gorm:"not null;default:0" json:"retry_count"`
	AutoFixed         bool           `gorm:"not null;default:false" json:"auto_fixed"`
	WorkDir           string         `gorm:"type:varchar(512)" json:"work_dir"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `gorm:"index" json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// TableName pins the table name used by migrations and raw queries.
func (Deployment) TableName() string { return "deployments" }
