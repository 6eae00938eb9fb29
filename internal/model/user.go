package model

import (
	"time"

	"milestonepay/pkg/rbac"
)

type User struct {
	ID            string
	Name          string
	Email         string
	Role          rbac.Role
	WalletAddress string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Actor 是发起操作的调用方，来自 JWT
type Actor struct {
	UserID string
	Role   rbac.Role
}
