// Package scan turns photos of a book into a catalog item. Analysis runs in
// the background on a single worker; the session status is the only
// coordination point between the worker and member actions.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"communityshare/pkg/catalog"
	"communityshare/pkg/circulation"
	"communityshare/pkg/metadata"
	"communityshare/pkg/models"

	"gorm.io/gorm"
)

// ocrIsbnConfidence is recorded when the ISBN came from free OCR text rather
// than the extractor's candidates.
const ocrIsbnConfidence = 0.5

var ErrExtractorNotConfigured = errors.New("vision extractor not configured")

// Extraction is what an Extractor read off the session's images.
type Extraction struct {
	Title          string
	Subtitle       string
	Authors        []string
	IsbnCandidates []metadata.Candidate
	Publisher      string
	PublishYear    *int
	Language       string
	Notes          string
	RawJSON        string
}

// Extractor reads book metadata from images. Implementations call out to a
// vision service.
type Extractor interface {
	ExtractBook(ctx context.Context, imageURLs []string) (*Extraction, error)
	ExtractText(ctx context.Context, imageURLs []string) (string, error)
}

type unconfiguredExtractor struct{}

func (unconfiguredExtractor) ExtractBook(context.Context, []string) (*Extraction, error) {
	return nil, ErrExtractorNotConfigured
}

func (unconfiguredExtractor) ExtractText(context.Context, []string) (string, error) {
	return "", ErrExtractorNotConfigured
}

// ItemCreator is the part of the catalog a confirmed scan needs.
type ItemCreator interface {
	CreateItem(ctx context.Context, in catalog.ItemInput) (*models.Item, error)
	AddImage(ctx context.Context, itemID uint, imageURL string) (*models.ItemImage, error)
}

type Service struct {
	db        *gorm.DB
	extractor Extractor
	items     ItemCreator
	tasks     chan uint
	log       *slog.Logger
	now       func() time.Time
}

// New builds the service. A nil extractor makes every analysis fail.
func New(db *gorm.DB, extractor Extractor, items ItemCreator, log *slog.Logger, queueSize int) *Service {
	if extractor == nil {
		extractor = unconfiguredExtractor{}
	}
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Service{
		db:        db,
		extractor: extractor,
		items:     items,
		tasks:     make(chan uint, queueSize),
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateSession(ctx context.Context, userID uint, imageURLs []string) (*models.ScanSession, error) {
	session := models.ScanSession{UserID: userID, Status: models.ScanUploaded}
	now := s.now()
	for _, u := range imageURLs {
		if u = strings.TrimSpace(u); u != "" {
			session.Images = append(session.Images, models.ScanImage{ImageURL: u, UploadedAt: now})
		}
	}
	if len(session.Images) == 0 {
		return nil, fmt.Errorf("at least one image required: %w", circulation.ErrInvalidInput)
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, err
	}
	s.log.Info("scan session created", "session_id", session.ID, "user_id", userID, "images", len(session.Images))
	return &session, nil
}

// GetSession returns the user's own session.
func (s *Service) GetSession(ctx context.Context, id, userID uint) (*models.ScanSession, error) {
	var session models.ScanSession
	err := s.db.WithContext(ctx).Preload("Images", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).Where("id = ? AND user_id = ?", id, userID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("scan session %d: %w", id, circulation.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uint) ([]models.ScanSession, error) {
	var out []models.ScanSession
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Order("id DESC").Find(&out).Error
	return out, err
}

// Analyze moves the session to Analyzing and queues it for the worker. A
// session already being analyzed is returned unchanged.
func (s *Service) Analyze(ctx context.Context, id, userID uint) (*models.ScanSession, error) {
	session, err := s.GetSession(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case models.ScanAnalyzing:
		return session, nil
	case models.ScanCompleted:
		return nil, fmt.Errorf("scan session %d completed: %w", id, circulation.ErrInvalidState)
	}

	res := s.db.WithContext(ctx).Model(&models.ScanSession{}).
		Where("id = ? AND status IN ?", id, []models.ScanStatus{models.ScanUploaded, models.ScanAnalyzed, models.ScanFailed}).
		Updates(map[string]interface{}{"status": models.ScanAnalyzing, "error_message": "", "updated_at": s.now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Someone else started or finished it first.
		return s.GetSession(ctx, id, userID)
	}

	select {
	case s.tasks <- id:
	case <-ctx.Done():
		s.fail(context.Background(), id, ctx.Err())
		return nil, ctx.Err()
	}
	s.log.Info("scan analysis queued", "session_id", id)
	return s.GetSession(ctx, id, userID)
}

// Run consumes queued analyses until ctx is cancelled. Sessions left in
// Analyzing by an earlier worker are picked up first.
func (s *Service) Run(ctx context.Context) {
	s.log.Info("scan worker started")
	s.resume(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scan worker stopped")
			return
		case id := <-s.tasks:
			s.process(ctx, id)
		}
	}
}

func (s *Service) resume(ctx context.Context) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.ScanSession{}).
		Where("status = ?", models.ScanAnalyzing).Order("id").Pluck("id", &ids).Error
	if err != nil {
		s.log.Error("could not load interrupted scans", "err", err)
		return
	}
	if len(ids) > 0 {
		s.log.Info("resuming interrupted scans", "count", len(ids))
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		s.process(ctx, id)
	}
}

// process analyzes one session. Its outcome is written even when ctx is
// cancelled mid-analysis, so a session never stays Analyzing.
func (s *Service) process(ctx context.Context, id uint) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(ctx, id, fmt.Errorf("analysis panicked: %v", r))
		}
	}()

	store := s.db.WithContext(context.WithoutCancel(ctx))
	var session models.ScanSession
	err := store.Preload("Images", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).First(&session, id).Error
	if err != nil {
		s.log.Warn("scan session vanished before analysis", "session_id", id, "err", err)
		return
	}
	if session.Status != models.ScanAnalyzing {
		return
	}

	urls := make([]string, len(session.Images))
	for i, img := range session.Images {
		urls[i] = img.ImageURL
	}

	result, err := s.extractor.ExtractBook(ctx, urls)
	if err != nil {
		s.fail(ctx, id, err)
		return
	}

	updates := map[string]interface{}{
		"status":          models.ScanAnalyzed,
		"title":           strings.TrimSpace(result.Title),
		"subtitle":        strings.TrimSpace(result.Subtitle),
		"authors":         strings.Join(result.Authors, ", "),
		"publisher":       result.Publisher,
		"publish_year":    result.PublishYear,
		"language":        result.Language,
		"notes":           result.Notes,
		"raw_json":        result.RawJSON,
		"isbn":            "",
		"isbn_confidence": nil,
		"error_message":   "",
		"updated_at":      s.now(),
	}
	if best, ok := metadata.PickBestCandidate(result.IsbnCandidates); ok && strings.TrimSpace(best.Value) != "" {
		updates["isbn"] = best.Value
		updates["isbn_confidence"] = best.Confidence
	} else {
		text, err := s.extractor.ExtractText(ctx, urls)
		if err != nil {
			s.fail(ctx, id, err)
			return
		}
		updates["ocr_text"] = text
		if isbn := metadata.FindISBNInText(text); isbn != "" {
			updates["isbn"] = isbn
			updates["isbn_confidence"] = ocrIsbnConfidence
		}
	}

	res := store.Model(&models.ScanSession{}).
		Where("id = ? AND status = ?", id, models.ScanAnalyzing).
		Updates(updates)
	if res.Error != nil {
		s.fail(ctx, id, res.Error)
		return
	}
	s.log.Info("scan analyzed", "session_id", id, "isbn", updates["isbn"])
}

func (s *Service) fail(ctx context.Context, id uint, cause error) {
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&models.ScanSession{}).
		Where("id = ? AND status = ?", id, models.ScanAnalyzing).
		Updates(map[string]interface{}{"status": models.ScanFailed, "error_message": cause.Error(), "updated_at": s.now()}).Error
	if err != nil {
		s.log.Error("could not mark scan failed", "session_id", id, "cause", cause, "err", err)
		return
	}
	s.log.Warn("scan analysis failed", "session_id", id, "err", cause)
}

// ConfirmInput overrides extracted fields; blank values keep the extraction.
type ConfirmInput struct {
	Title   string `json:"title"`
	Authors string `json:"authors"`
	Isbn    string `json:"isbn"`
	Notes   string `json:"notes"`
}

func pick(override, extracted string) string {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override)
	}
	return extracted
}

// Confirm creates a book item from an analyzed session, copies its images
// (the first becomes featured) and completes the session.
func (s *Service) Confirm(ctx context.Context, id, userID uint, in ConfirmInput) (*models.Item, error) {
	session, err := s.GetSession(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.ScanAnalyzed {
		return nil, fmt.Errorf("scan session %d is %s: %w", id, session.Status, circulation.ErrInvalidState)
	}

	// Claim the session so a second confirm cannot create a second item.
	res := s.db.WithContext(ctx).Model(&models.ScanSession{}).
		Where("id = ? AND status = ?", id, models.ScanAnalyzed).
		Updates(map[string]interface{}{"status": models.ScanCompleted, "updated_at": s.now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("scan session %d changed: %w", id, circulation.ErrInvalidState)
	}

	item, err := s.items.CreateItem(ctx, catalog.ItemInput{
		Title:      pick(in.Title, session.Title),
		BookAuthor: pick(in.Authors, session.Authors),
		Isbn:       pick(in.Isbn, session.Isbn),
		Notes:      pick(in.Notes, session.Notes),
		ItemType:   models.ItemTypeBook,
		Category:   "Book",
		Condition:  models.ConditionGood,
	})
	if err != nil {
		s.release(ctx, id)
		return nil, err
	}
	for _, img := range session.Images {
		if _, err := s.items.AddImage(ctx, item.ID, img.ImageURL); err != nil {
			s.log.Warn("could not copy scan image", "session_id", id, "item_id", item.ID, "err", err)
		}
	}
	if err := s.db.WithContext(ctx).Model(&models.ScanSession{}).Where("id = ?", id).Update("item_id", item.ID).Error; err != nil {
		s.log.Warn("could not link scan to item", "session_id", id, "item_id", item.ID, "err", err)
	}
	if len(session.Images) > 0 {
		item.FeaturedImageURL = session.Images[0].ImageURL
	}

	s.log.Info("scan confirmed", "session_id", id, "item_id", item.ID)
	return item, nil
}

func (s *Service) release(ctx context.Context, id uint) {
	err := s.db.WithContext(ctx).Model(&models.ScanSession{}).
		Where("id = ? AND status = ?", id, models.ScanCompleted).
		Update("status", models.ScanAnalyzed).Error
	if err != nil {
		s.log.Error("could not release scan session", "session_id", id, "err", err)
	}
}
