package rbac

import "fmt"

// Role 是调用方角色的封闭枚举，只能通过 ParseRole 从外部字符串构造
type Role string

// 角色常量
const (
	RoleRecipient Role = "recipient"
	RoleFunder    Role = "funder"
	RoleApprover  Role = "approver"
)

// ParseRole 把 token / 数据库中的字符串转换为 Role
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleRecipient, RoleFunder, RoleApprover:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) String() string { return string(r) }

// Permission 权限
type Permission string

// 权限常量
const (
	PermissionProposeProject  Permission = "project:propose"
	PermissionReviewProject   Permission = "project:review"
	PermissionFundProject     Permission = "project:fund"
	PermissionRecoverEscrow   Permission = "escrow:recover"
	PermissionEditMilestones  Permission = "milestone:define"
	PermissionSubmitMilestone Permission = "milestone:submit"
	PermissionReviewMilestone Permission = "milestone:review"
	PermissionRetryRelease    Permission = "milestone:release"
	PermissionRegisterWallet  Permission = "wallet:register"
	PermissionReadProject     Permission = "project:read"
)

// 角色权限映射
var rolePermissions = map[Role][]Permission{
	RoleRecipient: {
		PermissionReadProject,
		PermissionProposeProject,
		PermissionEditMilestones,
		PermissionSubmitMilestone,
		PermissionRegisterWallet,
	},
	RoleFunder: {
		PermissionReadProject,
		PermissionFundProject,
		PermissionRecoverEscrow,
		PermissionRetryRelease,
	},
	RoleApprover: {
		PermissionReadProject,
		PermissionReviewProject,
		PermissionReviewMilestone,
		PermissionRetryRelease,
		PermissionRegisterWallet,
	},
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role Role, permission Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查角色是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(userID string, role Role, permission Permission) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			UserID:     userID,
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// CheckOwnership 校验调用方就是实体上登记的那个用户（例如项目的 recipient / approver）
func CheckOwnership(userID string, role Role, ownerID string, permission Permission) error {
	if err := CheckPermission(userID, role, permission); err != nil {
		return err
	}
	if ownerID == "" || userID != ownerID {
		return &PermissionDeniedError{
			UserID:     userID,
			Role:       role,
			Permission: permission,
			NotOwner:   true,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	UserID     string
	Role       Role
	Permission Permission
	NotOwner   bool
}

func (e *PermissionDeniedError) Error() string {
	if e.NotOwner {
		return fmt.Sprintf("user %s is not the %s of this project", e.UserID, e.Role)
	}
	return fmt.Sprintf("role %s lacks permission %s", e.Role, e.Permission)
}
