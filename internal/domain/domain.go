// Package domain holds the core data model shared by every engine
// component: tasks, cells, candidates, contacts, ratings, leases, and the
// mailing primitives the Sender Supervisor dispatches against.
package domain

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// TaskType distinguishes buy-side from sell-side audience specifications.
type TaskType string

const (
	TaskBuy  TaskType = "buy"
	TaskSell TaskType = "sell"
)

// FingerprintKind names the invalidation context a stored fingerprint
// applies to. A Task has one fingerprint per kind, each independently
// stale-checked by the hash guard that owns it.
type FingerprintKind string

const (
	FingerprintGeo      FingerprintKind = "geo"
	FingerprintBranches FingerprintKind = "branches"
	FingerprintContacts FingerprintKind = "contacts"
)

// InvalidFingerprints are the reserved sentinel values a fingerprint must
// never equal; a row carrying one of these is treated as not-yet-rated.
var InvalidFingerprints = map[int64]bool{0: true, -1: true, 1: true}

// H64 is the task version fingerprint: h64(main || subtypeText). A 64-bit
// hash collapsing two free-text fields into the single int64 every rating
// and crawl row stores as hash_task; any change to either input text
// produces a new fingerprint, which is the system's sole invalidation
// signal. Re-maps the reserved sentinel values in InvalidFingerprints to
// avoid ever emitting a fingerprint a caller would treat as "not rated".
func H64(main, subtypeText string) int64 {
	h := int64(xxhash.Sum64String(main + subtypeText))
	if InvalidFingerprints[h] {
		h ^= 1 << 63
	}
	return h
}

// Task is a user's audience specification.
type Task struct {
	ID               int64
	WorkspaceID      string
	UserID           int64
	Type             TaskType
	Main             string
	Geo              string
	Branches         string
	Client           string
	SubscribersLimit int
	RunProcessing    bool
	Archived         bool
}

// Cell is a (postal-code, branch-id) pair the directory inventory tracks.
type Cell struct {
	ID             int64
	PLZ            string
	BranchID       int64
	Collected      bool
	CollectedCount int
}

// CrawlTask is a per-task materialized cell with its score and fingerprint.
type CrawlTask struct {
	TaskID    int64
	Type      string // "city" | "branch"
	ValueID   int64
	Rate      int
	HashTask  int64
	UpdatedAt time.Time
}

// Candidate is a directory-extracted raw company row linked to a cell.
type Candidate struct {
	ID            int64
	CbCrawlerID   int64
	CompanyName   string
	Email         string
	StatusEmail   string
	Processed     bool
	ProcessedMail bool
	CompanyData   map[string]any
}

// Contact is the deduplicated aggregate keyed by normalized email.
type Contact struct {
	ID             int64
	Email          string
	CbCrawlerIDs   []int64
	Sources        []string
	Branches       []int64
	PLZList        []string
	AddressList    []string
	CompanyData    map[string]any
	StatusData     string
	UpdatedAt      time.Time
}

// Rating is a (task, contact) scoring row.
type Rating struct {
	TaskID    int64
	ContactID int64
	RateCL    int
	RateCB    int
	HashTask  int64
	UpdatedAt time.Time
}

// RatingJobType enumerates the work streams RatingPipeline coordinates.
type RatingJobType string

const (
	RatingJobGeo            RatingJobType = "geo"
	RatingJobBranches       RatingJobType = "branches"
	RatingJobContacts       RatingJobType = "contacts"
	RatingJobContactsUpdate RatingJobType = "contacts_update"
)

// RatingJob is an append-only intent row requesting work of a given type.
type RatingJob struct {
	ID        int64
	TaskID    int64
	Type      RatingJobType
	HashTask  int64
	Done      bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lease is a token held on a cache key.
type Lease struct {
	Owner    string
	Token    string
	ExpireAt time.Time
}

// Mailbox has SMTP credentials and an hourly send limit.
type Mailbox struct {
	ID            uuid.UUID
	WorkspaceID   string
	SMTPHost      string
	SMTPUser      string
	SMTPPassword  string // read from mailboxes.smtp_password as stored; not decrypted
	LimitHourSent int
}

// Campaign references a mailbox, a mailing list, and a send window.
type Campaign struct {
	ID        uuid.UUID
	MailboxID uuid.UUID
	ListID    string
	Window    map[string][]TimeSlot // nil/empty falls back to workspace global window
	Active    bool
}

// TimeSlot is a half-open [From, To) minute-of-day interval.
type TimeSlot struct {
	From string // "HH:MM"
	To   string // "HH:MM"
}

// MailSent records a unique (campaign, contact) send to prevent double-dispatch.
type MailSent struct {
	CampaignID    uuid.UUID
	ListContactID int64
	SentAt        time.Time
}

// ListContact is a materialized campaign-audience row in send order.
type ListContact struct {
	ID        int64
	ContactID int64
	RateCL    *int // NULL-able; NULLS LAST in ordering
	RateCB    *int
}
