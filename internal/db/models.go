package db

// Session is the persisted registry row for one supervised session.
// Structured fields (windows, setup commands) are stored as JSON blobs.
type Session struct {
	ID          string `gorm:"column:id;primaryKey"`
	Project     string `gorm:"column:project;not null;default:''"`
	StartDir    string `gorm:"column:start_dir;not null;default:''"`
	WindowsJSON string `gorm:"column:windows_json;not null;default:''"`
	BeforeJSON  string `gorm:"column:before_json;not null;default:''"`
	CreatedAt   int64  `gorm:"column:created_at;not null;default:0"`
	UpdatedAt   int64  `gorm:"column:updated_at;not null;default:0"`
}

func (Session) TableName() string { return "sessions" }

type ControllerEvent struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID   string `gorm:"column:session_id;not null;default:''"`
	Kind        string `gorm:"column:kind;not null"`
	PayloadJSON string `gorm:"column:payload_json;not null;default:''"`
	CreatedAt   int64  `gorm:"column:created_at;not null;default:0"`
}

func (ControllerEvent) TableName() string { return "controller_events" }
