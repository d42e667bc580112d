package model

import (
	"database/sql"
	"time"
)

// IPP job states (RFC 8011 section 5.3.7).
const (
	JobPending           = 3
	JobPendingHeld       = 4
	JobProcessing        = 5
	JobProcessingStopped = 6
	JobCanceled          = 7
	JobAborted           = 8
	JobCompleted         = 9
)

// Queue is an IPP endpoint clients print to (/printers/<name>).
type Queue struct {
	ID      int64
	Name    string
	Trusted bool
	// AllowedNets is a comma separated list of CIDR prefixes. Empty allows all.
	AllowedNets string
	// ProxyPrinter, when set, forwards every received job to that CUPS printer.
	ProxyPrinter string
	Disabled     bool
	Deleted      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Printer is the persisted record of a CUPS printer seen by the cache.
type Printer struct {
	ID          int64
	Name        string
	DisplayName string
	JobTicket   bool
	Disabled    bool
	Deleted     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsAdmin      bool
	Disabled     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Account holds a user's balance in minor currency units.
type Account struct {
	Username    string
	Balance     int64
	CreditLimit int64
	UpdatedAt   time.Time
}

// CostParams are per media-size prices in minor currency units per printed side.
type CostParams struct {
	MediaSize      string
	PriceGray      int64
	PriceColor     int64
	DuplexDiscount int
	EcoDiscount    int
}

// InboxJob is a document received on a queue and held for a user.
type InboxJob struct {
	ID            int64
	Username      string
	Queue         string
	Title         string
	MimeType      string
	Path          string
	SizeBytes     int64
	Pages         int
	JobUUID       string
	SupplierJobID int64
	State         int
	DeletedPages  []int
	FitToPage     bool
	MediaSize     string
	CreatedAt     time.Time
}

// PrintOut records one job submitted to CUPS by the proxy-print pipeline.
type PrintOut struct {
	ID                int64
	Username          string
	Printer           string
	JobName           string
	CupsJobID         int
	CupsJobState      int
	CupsCreationTime  time.Time
	CupsCompletedTime *time.Time
	Duplex            bool
	Grayscale         bool
	Copies            int
	Pages             int
	Sheets            int
	MediaSize         string
	ESU               int64
	Cost              int64
	TicketID          sql.NullInt64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const (
	TicketPending   = "pending"
	TicketReleasing = "releasing"
	TicketReleased  = "released"
	TicketFailed    = "failed"
)

// JobTicket is a proxy print held for operator release.
type JobTicket struct {
	ID         int64
	Username   string
	Printer    string
	State      string
	Payload    string
	Cost       int64
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

type AdminEvent struct {
	ID        int64
	Topic     string
	Level     string
	Message   string
	CreatedAt time.Time
}

type Subscription struct {
	ID           int64
	QueueID      sql.NullInt64
	JobID        sql.NullInt64
	Events       string
	LeaseSecs    int64
	Owner        string
	RecipientURI string
	PullMethod   string
	TimeInterval int64
	UserData     []byte
	CreatedAt    time.Time
}

type Notification struct {
	ID             int64
	SubscriptionID int64
	Event          string
	JobID          int64
	JobState       int
	Text           string
	CreatedAt      time.Time
}
