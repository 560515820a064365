package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleAdmin     = "Admin"
	RoleLibrarian = "Librarian"
	RoleMember    = "Member"
)

// Roles lists the roles created at bootstrap.
var Roles = []string{RoleAdmin, RoleLibrarian, RoleMember}

const (
	ItemTypeBook  = "Book"
	ItemTypeOther = "Other"

	ConditionNew     = "New"
	ConditionLikeNew = "LikeNew"
	ConditionGood    = "Good"
	ConditionFair    = "Fair"
	ConditionPoor    = "Poor"
)

type LoanRequestStatus string

const (
	RequestRequested LoanRequestStatus = "Requested"
	RequestApproved  LoanRequestStatus = "Approved"
	RequestRejected  LoanRequestStatus = "Rejected"
	RequestCancelled LoanRequestStatus = "Cancelled"
)

// LoanStatus is persisted as CheckedOut or Returned only. Overdue is a
// read-time projection, see circulation.EffectiveStatus.
type LoanStatus string

const (
	LoanCheckedOut LoanStatus = "CheckedOut"
	LoanReturned   LoanStatus = "Returned"
	LoanOverdue    LoanStatus = "Overdue"
)

type ScanStatus string

const (
	ScanUploaded  ScanStatus = "Uploaded"
	ScanAnalyzing ScanStatus = "Analyzing"
	ScanAnalyzed  ScanStatus = "Analyzed"
	ScanCompleted ScanStatus = "Completed"
	ScanFailed    ScanStatus = "Failed"
)

type Role struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:40;uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type User struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Username            string    `gorm:"size:80;uniqueIndex;not null" json:"username"`
	Email               string    `gorm:"size:255" json:"email"`
	FullName            string    `gorm:"size:200" json:"fullName"`
	Role                string    `gorm:"size:40;not null" json:"role"`
	AutoApproveEligible bool      `gorm:"not null" json:"autoApproveEligible"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Item is a single lendable unit. IsAvailable is owned by the availability
// ledger; catalog edits never write it.
type Item struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	UniqueID              string    `gorm:"size:100;uniqueIndex" json:"uniqueId"`
	Title                 string    `gorm:"size:200;not null" json:"title"`
	Description           string    `gorm:"size:2000" json:"description"`
	Category              string    `gorm:"size:100;index" json:"category"`
	Condition             string    `gorm:"size:20;not null" json:"condition"`
	ItemType              string    `gorm:"size:20;not null" json:"itemType"`
	EstimatedValueCents   *int64    `json:"estimatedValueCents,omitempty"`
	Notes                 string    `gorm:"size:2000" json:"notes"`
	Isbn                  string    `gorm:"size:20;index" json:"isbn"`
	BookAuthor            string    `gorm:"size:200" json:"bookAuthor"`
	FeaturedImageURL      string    `json:"featuredImageUrl"`
	OpenLibraryWorkKey    string    `gorm:"size:100" json:"openLibraryWorkKey"`
	OpenLibraryEditionKey string    `gorm:"size:100" json:"openLibraryEditionKey"`
	OpenLibraryJSON       string    `gorm:"type:text" json:"openLibraryJson,omitempty"`
	IsActive              bool      `gorm:"not null;index" json:"isActive"`
	IsAvailable           bool      `gorm:"not null" json:"isAvailable"`
	AutoApproveAllowed    bool      `gorm:"not null" json:"autoApproveAllowed"`
	LoanDurationDays      int       `gorm:"not null" json:"loanDurationDays"`
	MaxRenewals           int       `gorm:"not null" json:"maxRenewals"`
	LateFeePerDayCents    int       `gorm:"not null" json:"lateFeePerDayCents"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`

	Images []ItemImage `gorm:"foreignKey:ItemID" json:"images,omitempty"`
}

// BeforeCreate assigns a label identifier when the catalog did not supply one.
func (i *Item) BeforeCreate(tx *gorm.DB) error {
	if i.UniqueID == "" {
		i.UniqueID = uuid.NewString()
	}
	return nil
}

type ItemImage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ItemID     uint      `gorm:"index;not null" json:"itemId"`
	ImageURL   string    `gorm:"not null" json:"imageUrl"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type LoanRequest struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	ItemID        uint              `gorm:"index;not null" json:"itemId"`
	UserID        uint              `gorm:"index;not null" json:"userId"`
	Status        LoanRequestStatus `gorm:"size:20;index;not null" json:"status"`
	RequestedAt   time.Time         `gorm:"not null" json:"requestedAt"`
	ApprovedAt    *time.Time        `json:"approvedAt,omitempty"`
	DecisionNotes string            `gorm:"size:2000" json:"decisionNotes"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`

	Item *Item `gorm:"foreignKey:ItemID" json:"item,omitempty"`
	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// Loan policy values (MaxRenewals, LateFeePerDayCents) are copied from the
// item at checkout so later item edits do not change open loans.
type Loan struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	ItemID             uint       `gorm:"index;not null" json:"itemId"`
	UserID             uint       `gorm:"index;not null" json:"userId"`
	CheckedOutAt       time.Time  `gorm:"not null" json:"checkedOutAt"`
	DueAt              time.Time  `gorm:"index;not null" json:"dueAt"`
	ReturnedAt         *time.Time `json:"returnedAt,omitempty"`
	Status             LoanStatus `gorm:"size:20;index;not null" json:"status"`
	RenewalCount       int        `gorm:"not null" json:"renewalCount"`
	MaxRenewals        int        `gorm:"not null" json:"maxRenewals"`
	LateFeePerDayCents int        `gorm:"not null" json:"lateFeePerDayCents"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`

	Item *Item `gorm:"foreignKey:ItemID" json:"item,omitempty"`
	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

type RenewalRequest struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	LoanID        uint              `gorm:"index;not null" json:"loanId"`
	UserID        uint              `gorm:"index;not null" json:"userId"`
	Status        LoanRequestStatus `gorm:"size:20;index;not null" json:"status"`
	Approved      bool              `gorm:"not null" json:"approved"`
	RequestedAt   time.Time         `gorm:"not null" json:"requestedAt"`
	DecisionAt    *time.Time        `json:"decisionAt,omitempty"`
	DecisionNotes string            `gorm:"size:2000" json:"decisionNotes"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`

	Loan *Loan `gorm:"foreignKey:LoanID" json:"loan,omitempty"`
	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// HoldRequest rows are never deleted. Inactive holds keep their last
// position for audit.
type HoldRequest struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ItemID      uint      `gorm:"index:idx_hold_item_active;not null" json:"itemId"`
	UserID      uint      `gorm:"index;not null" json:"userId"`
	RequestedAt time.Time `gorm:"not null" json:"requestedAt"`
	IsActive    bool      `gorm:"index:idx_hold_item_active;not null" json:"isActive"`
	Position    int       `gorm:"not null" json:"position"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	Item *Item `gorm:"foreignKey:ItemID" json:"item,omitempty"`
	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

type Review struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ItemID    uint      `gorm:"index;not null" json:"itemId"`
	UserID    uint      `gorm:"index;not null" json:"userId"`
	Rating    int       `gorm:"not null;check:rating >= 0 AND rating <= 4" json:"rating"`
	Comment   string    `gorm:"size:2000" json:"comment"`
	CreatedAt time.Time `json:"createdAt"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

type ScanSession struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	UserID         uint       `gorm:"index;not null" json:"userId"`
	Status         ScanStatus `gorm:"size:20;index;not null" json:"status"`
	Title          string     `gorm:"size:200" json:"title"`
	Subtitle       string     `gorm:"size:200" json:"subtitle"`
	Authors        string     `gorm:"size:500" json:"authors"`
	Isbn           string     `gorm:"size:20" json:"isbn"`
	IsbnConfidence *float64   `json:"isbnConfidence,omitempty"`
	Publisher      string     `gorm:"size:200" json:"publisher"`
	PublishYear    *int       `json:"publishYear,omitempty"`
	Language       string     `gorm:"size:40" json:"language"`
	Notes          string     `gorm:"size:2000" json:"notes"`
	OcrText        string     `gorm:"type:text" json:"ocrText,omitempty"`
	RawJSON        string     `gorm:"type:text" json:"rawJson,omitempty"`
	ErrorMessage   string     `gorm:"size:2000" json:"errorMessage"`
	ItemID         *uint      `json:"itemId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`

	Images []ScanImage `gorm:"foreignKey:ScanSessionID" json:"images,omitempty"`
}

type ScanImage struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ScanSessionID uint      `gorm:"index;not null" json:"scanSessionId"`
	ImageURL      string    `gorm:"not null" json:"imageUrl"`
	UploadedAt    time.Time `json:"uploadedAt"`
}

// All returns every model for migration.
func All() []interface{} {
	return []interface{}{
		&Role{}, &User{}, &Item{}, &ItemImage{}, &LoanRequest{}, &Loan{},
		&RenewalRequest{}, &HoldRequest{}, &Review{}, &ScanSession{}, &ScanImage{},
	}
}
