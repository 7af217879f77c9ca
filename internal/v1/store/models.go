package store

import "time"

// StaffRole mirrors spec.md §3: admin(1) > supervisor(2) > agent(3). Numerically
// lower id means higher authority.
type StaffRole int

const (
	RoleAdmin      StaffRole = 1
	RoleSupervisor StaffRole = 2
	RoleAgent      StaffRole = 3
)

// Organisation is the tenant boundary.
type Organisation struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Disabled  bool      `db:"disabled"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Staff is a workforce member; agents are "volunteers" for C6.
type Staff struct {
	ID           string    `db:"id"`
	OrgID        string    `db:"org_id"`
	Role         StaffRole `db:"role"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	DisplayName  string    `db:"display_name"`
	Disabled     bool      `db:"disabled"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Visitor is an anonymous or registered help-seeker.
type Visitor struct {
	ID           string    `db:"id"`
	OrgID        string    `db:"org_id"`
	Name         string    `db:"name"`
	Email        *string   `db:"email"`
	PasswordHash *string   `db:"password_hash"`
	IsAnonymous  bool      `db:"is_anonymous"`
	Disabled     bool      `db:"disabled"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Chat is exactly-one-per-visitor.
type Chat struct {
	ID             string    `db:"id"`
	VisitorID      string    `db:"visitor_id"`
	SeverityLevel  int       `db:"severity_level"`
	Tags           []string  `db:"tags"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// ChatMessage is a single durable message in per-chat sequence order.
type ChatMessage struct {
	ID            int64     `db:"id"`
	ChatID        string    `db:"chat_id"`
	SequenceNum   int64     `db:"sequence_num"`
	TypeID        int       `db:"type_id"` // 0=system 1=user
	SenderStaffID *string   `db:"sender_staff_id"`
	ContentJSON   string    `db:"content_json"`
	CreatedAt     time.Time `db:"created_at"`
}

// StaffSubscriptionChat is the durable assignment edge.
type StaffSubscriptionChat struct {
	StaffID    string    `db:"staff_id"`
	VisitorID  string    `db:"visitor_id"`
	Bookmarked bool      `db:"bookmarked"`
	CreatedAt  time.Time `db:"created_at"`
}

// ChatUnclaimedRow is a durable offline-unclaimed queue entry.
type ChatUnclaimedRow struct {
	VisitorID string    `db:"visitor_id"`
	CreatedAt time.Time `db:"created_at"`
}

// ChatUnhandledRow is a durable unhandled queue entry.
type ChatUnhandledRow struct {
	VisitorID string    `db:"visitor_id"`
	CreatedAt time.Time `db:"created_at"`
}

// ChatFlaggedRow is a durable flagged queue entry.
type ChatFlaggedRow struct {
	VisitorID   string    `db:"visitor_id"`
	FlagMessage string    `db:"flag_message"`
	CreatedAt   time.Time `db:"created_at"`
}

// ChatMessageSeen is a per-staff read cursor.
type ChatMessageSeen struct {
	StaffID      string `db:"staff_id"`
	ChatID       string `db:"chat_id"`
	LastSeenMsgID int64 `db:"last_seen_msg_id"`
}

// NotificationStaff is an in-app notification.
type NotificationStaff struct {
	ID          int64     `db:"id"`
	StaffID     string    `db:"staff_id"`
	ContentJSON string    `db:"content_json"`
	CreatedAt   time.Time `db:"created_at"`
}

// NotificationStaffRead tracks the last notification a staff has read.
type NotificationStaffRead struct {
	StaffID             string `db:"staff_id"`
	LastReadInternalID  int64  `db:"last_read_internal_id"`
}

// Setting keys enumerated authoritatively in spec.md §6.3.
const (
	SettingLoginType             = "login_type"
	SettingAllowClaimingChat     = "allow_claiming_chat"
	SettingMaxStaffsInChat       = "max_staffs_in_chat"
	SettingAutoAssign            = "auto_assign"
	SettingAutoReassign          = "auto_reassign"
	SettingHoursToAutoReassign   = "hours_to_auto_reassign"
)
