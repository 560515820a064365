// Package catalog maintains the item records members borrow. It never
// writes the availability flag; that belongs to circulation.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"communityshare/pkg/circulation"
	"communityshare/pkg/metadata"
	"communityshare/pkg/models"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	defaultLoanDurationDays = 14
	defaultMaxRenewals      = 1
)

// Enricher looks up external book details by ISBN. *metadata.Client
// satisfies it.
type Enricher interface {
	LookupByISBN(ctx context.Context, isbn string) (*metadata.LookupResult, error)
}

type Service struct {
	db       *gorm.DB
	validate *validator.Validate
	enricher Enricher
	log      *slog.Logger
	now      func() time.Time
}

// New builds the catalog service. enricher may be nil.
func New(db *gorm.DB, enricher Enricher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:       db,
		validate: validator.New(),
		enricher: enricher,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ItemInput is the editable part of an item. Nil policy fields take their
// defaults on create and are left alone on update.
type ItemInput struct {
	UniqueID              string `json:"uniqueId" validate:"max=100"`
	Title                 string `json:"title" validate:"required,max=200"`
	Description           string `json:"description" validate:"max=2000"`
	Category              string `json:"category" validate:"max=100"`
	Condition             string `json:"condition" validate:"omitempty,oneof=New LikeNew Good Fair Poor"`
	ItemType              string `json:"itemType" validate:"omitempty,oneof=Book Other"`
	EstimatedValueCents   *int64 `json:"estimatedValueCents" validate:"omitempty,gte=0"`
	Notes                 string `json:"notes" validate:"max=2000"`
	Isbn                  string `json:"isbn" validate:"max=20"`
	BookAuthor            string `json:"bookAuthor" validate:"max=200"`
	OpenLibraryWorkKey    string `json:"openLibraryWorkKey" validate:"max=100"`
	OpenLibraryEditionKey string `json:"openLibraryEditionKey" validate:"max=100"`
	AutoApproveAllowed    *bool  `json:"autoApproveAllowed"`
	LoanDurationDays      *int   `json:"loanDurationDays" validate:"omitempty,gte=1"`
	MaxRenewals           *int   `json:"maxRenewals" validate:"omitempty,gte=0"`
	LateFeePerDayCents    *int   `json:"lateFeePerDayCents" validate:"omitempty,gte=0"`
}

func (s *Service) check(in *ItemInput) error {
	in.Title = strings.TrimSpace(in.Title)
	in.UniqueID = strings.TrimSpace(in.UniqueID)
	in.Isbn = strings.TrimSpace(in.Isbn)
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%s: %w", strings.Join(fields, ", "), circulation.ErrInvalidInput)
		}
		return fmt.Errorf("%v: %w", err, circulation.ErrInvalidInput)
	}
	return nil
}

func (s *Service) CreateItem(ctx context.Context, in ItemInput) (*models.Item, error) {
	if err := s.check(&in); err != nil {
		return nil, err
	}

	item := models.Item{
		UniqueID:              in.UniqueID,
		Title:                 in.Title,
		Description:           in.Description,
		Category:              in.Category,
		Condition:             in.Condition,
		ItemType:              in.ItemType,
		EstimatedValueCents:   in.EstimatedValueCents,
		Notes:                 in.Notes,
		Isbn:                  in.Isbn,
		BookAuthor:            in.BookAuthor,
		OpenLibraryWorkKey:    in.OpenLibraryWorkKey,
		OpenLibraryEditionKey: in.OpenLibraryEditionKey,
		IsActive:              true,
		IsAvailable:           true,
		AutoApproveAllowed:    true,
		LoanDurationDays:      defaultLoanDurationDays,
		MaxRenewals:           defaultMaxRenewals,
	}
	if item.Condition == "" {
		item.Condition = models.ConditionGood
	}
	if item.ItemType == "" {
		item.ItemType = models.ItemTypeOther
		if item.Isbn != "" {
			item.ItemType = models.ItemTypeBook
		}
	}
	if in.AutoApproveAllowed != nil {
		item.AutoApproveAllowed = *in.AutoApproveAllowed
	}
	if in.LoanDurationDays != nil {
		item.LoanDurationDays = *in.LoanDurationDays
	}
	if in.MaxRenewals != nil {
		item.MaxRenewals = *in.MaxRenewals
	}
	if in.LateFeePerDayCents != nil {
		item.LateFeePerDayCents = *in.LateFeePerDayCents
	}
	item.OpenLibraryJSON = s.enrich(ctx, item.Isbn)

	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	s.log.Info("item created", "item_id", item.ID, "unique_id", item.UniqueID, "title", item.Title)
	return &item, nil
}

// enrich returns the Open Library record for isbn, or "" when there is
// none. Lookup failures never block catalog edits.
func (s *Service) enrich(ctx context.Context, isbn string) string {
	if isbn == "" || s.enricher == nil {
		return ""
	}
	res, err := s.enricher.LookupByISBN(ctx, isbn)
	if err != nil {
		s.log.Warn("isbn lookup failed", "isbn", isbn, "err", err)
		return ""
	}
	if res == nil {
		return ""
	}
	return res.JSON
}

// UpdateItem replaces the descriptive fields and any policy fields that are
// set. Changing the ISBN refreshes the stored Open Library record.
func (s *Service) UpdateItem(ctx context.Context, id uint, in ItemInput) (*models.Item, error) {
	if err := s.check(&in); err != nil {
		return nil, err
	}
	current, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"title":                    in.Title,
		"description":              in.Description,
		"category":                 in.Category,
		"estimated_value_cents":    in.EstimatedValueCents,
		"notes":                    in.Notes,
		"isbn":                     in.Isbn,
		"book_author":              in.BookAuthor,
		"open_library_work_key":    in.OpenLibraryWorkKey,
		"open_library_edition_key": in.OpenLibraryEditionKey,
		"updated_at":               s.now(),
	}
	if in.UniqueID != "" {
		updates["unique_id"] = in.UniqueID
	}
	if in.Condition != "" {
		updates["condition"] = in.Condition
	}
	if in.ItemType != "" {
		updates["item_type"] = in.ItemType
	}
	if in.AutoApproveAllowed != nil {
		updates["auto_approve_allowed"] = *in.AutoApproveAllowed
	}
	if in.LoanDurationDays != nil {
		updates["loan_duration_days"] = *in.LoanDurationDays
	}
	if in.MaxRenewals != nil {
		updates["max_renewals"] = *in.MaxRenewals
	}
	if in.LateFeePerDayCents != nil {
		updates["late_fee_per_day_cents"] = *in.LateFeePerDayCents
	}
	if in.Isbn != current.Isbn {
		updates["open_library_json"] = s.enrich(ctx, in.Isbn)
	}

	if err := s.db.WithContext(ctx).Model(&models.Item{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}
	s.log.Info("item updated", "item_id", id)
	return s.GetItem(ctx, id)
}

// DeactivateItem hides the item from the catalog. Open loans on it can still
// be returned.
func (s *Service) DeactivateItem(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.Item{}).Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": false, "updated_at": s.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("item %d: %w", id, circulation.ErrNotFound)
	}
	s.log.Info("item deactivated", "item_id", id)
	return nil
}

func (s *Service) GetItem(ctx context.Context, id uint) (*models.Item, error) {
	var item models.Item
	err := s.db.WithContext(ctx).Preload("Images", func(db *gorm.DB) *gorm.DB {
		return db.Order("uploaded_at").Order("id")
	}).First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("item %d: %w", id, circulation.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

type ListFilter struct {
	Category        string
	IncludeInactive bool
}

func (s *Service) ListItems(ctx context.Context, filter ListFilter) ([]models.Item, error) {
	q := s.db.WithContext(ctx).Model(&models.Item{})
	if !filter.IncludeInactive {
		q = q.Where("is_active = ?", true)
	}
	if c := strings.TrimSpace(filter.Category); c != "" {
		q = q.Where("category = ?", c)
	}
	var items []models.Item
	err := q.Order("title").Order("id").Find(&items).Error
	return items, err
}

// AddImage attaches an image URL to the item. The first image attached to an
// item without a featured image becomes featured.
func (s *Service) AddImage(ctx context.Context, itemID uint, imageURL string) (*models.ItemImage, error) {
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return nil, fmt.Errorf("image url required: %w", circulation.ErrInvalidInput)
	}

	image := models.ItemImage{ItemID: itemID, ImageURL: imageURL, UploadedAt: s.now()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item models.Item
		if err := tx.Select("id", "featured_image_url").First(&item, itemID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("item %d: %w", itemID, circulation.ErrNotFound)
			}
			return err
		}
		if err := tx.Create(&image).Error; err != nil {
			return err
		}
		if item.FeaturedImageURL == "" {
			return tx.Model(&models.Item{}).Where("id = ?", itemID).Update("featured_image_url", imageURL).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &image, nil
}

// SetFeaturedImage features one of the item's own images.
func (s *Service) SetFeaturedImage(ctx context.Context, itemID, imageID uint) (*models.Item, error) {
	var image models.ItemImage
	err := s.db.WithContext(ctx).Where("id = ? AND item_id = ?", imageID, itemID).First(&image).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("image %d is not an image of item %d: %w", imageID, itemID, circulation.ErrInvalidInput)
	}
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Model(&models.Item{}).Where("id = ?", itemID).
		Updates(map[string]interface{}{"featured_image_url": image.ImageURL, "updated_at": s.now()}).Error
	if err != nil {
		return nil, err
	}
	return s.GetItem(ctx, itemID)
}
