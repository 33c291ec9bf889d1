package types

// DeploymentCreateRequest submits a Terraform configuration. Credentials are
// written into main.tf and never stored on the row or the queue.
type DeploymentCreateRequest struct {
	Config         string `json:"config" validate:"required"`
	Origin         string `json:"origin" validate:"omitempty,oneof=query provision ai template"`
	Project        string `json:"project" validate:"max=128"`
	Cloud          string `json:"cloud" validate:"max=32"`
	Region         string `json:"region" validate:"max=64"`
	AccessKey      string `json:"access_key"`
	SecretKey      string `json:"secret_key"`
	ClientID       string `json:"client_id"`
	TenantID       string `json:"tenant_id"`
	SubscriptionID string `json:"subscription_id"`
}
