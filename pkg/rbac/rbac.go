package rbac

// 权限常量
const (
	// 流水线触发权限
	PermissionIngest   = "scan:ingest"
	PermissionDispatch = "scan:dispatch"
	PermissionClassify = "scan:classify"

	// 定时维护权限（sweeper / watchdog）
	PermissionMaintain = "scan:maintain"

	// 运维权限
	PermissionOutboxAdmin = "outbox:admin"
)

// 角色常量，对应服务 token 里的 component
const (
	RoleServer = "server"
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	// server 创建 scan 后触发 ingestion，ingestion 完成后触发 dispatch，dispatch 提交 classify
	RoleServer: {
		PermissionIngest,
		PermissionDispatch,
		PermissionClassify,
	},
	RoleWorker: {
		PermissionIngest,
		PermissionDispatch,
		PermissionClassify,
		PermissionMaintain,
	},
	RoleAdmin: {
		PermissionIngest,
		PermissionDispatch,
		PermissionClassify,
		PermissionMaintain,
		PermissionOutboxAdmin,
	},
}

// HasPermission 检查 component 是否有指定权限，未知 component 没有任何权限
func HasPermission(component string, permission string) bool {
	permissions, ok := rolePermissions[component]
	if !ok {
		return false
	}

	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查 component 是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(component string, permission string) error {
	if !HasPermission(component, permission) {
		return &PermissionDeniedError{
			Component:  component,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Component  string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions: " + e.Component + " lacks " + e.Permission
}
