package rbac

type Role string
type Action string

const (
	RoleReader Role = "reader"
	RoleEditor Role = "editor"
)

const (
	ActionRead     Action = "read"
	ActionTrack    Action = "track"
	ActionAnnotate Action = "annotate"
	ActionEdit     Action = "edit"
	ActionUpload   Action = "upload"
)

// Can reports whether role may perform action. Readers read and track their
// own progress; editors additionally change content, notes and images.
func Can(role Role, action Action) bool {
	switch role {
	case RoleEditor:
		switch action {
		case ActionRead, ActionTrack, ActionAnnotate, ActionEdit, ActionUpload:
			return true
		}
		return false
	case RoleReader:
		return action == ActionRead || action == ActionTrack
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleReader, RoleEditor:
		return Role(role)
	default:
		return RoleReader
	}
}
