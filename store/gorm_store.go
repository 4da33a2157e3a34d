package store

import (
	"context"
	"errors"
	"time"

	"github.com/anjiri1684/lesson_billing/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the Postgres-backed Store. Mutations lock the target row with
// SELECT ... FOR UPDATE inside a transaction.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (s *GormStore) GetLesson(ctx context.Context, id uuid.UUID) (*models.Lesson, error) {
	var lesson models.Lesson
	if err := s.db.WithContext(ctx).First(&lesson, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &lesson, nil
}

func (s *GormStore) CreateLesson(ctx context.Context, lesson *models.Lesson) error {
	if lesson.ID == uuid.Nil {
		lesson.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(lesson).Error
}

func (s *GormStore) MutateLesson(ctx context.Context, id uuid.UUID, fn func(*models.Lesson) error) (*models.Lesson, error) {
	var lesson models.Lesson
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&lesson, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		if err := fn(&lesson); err != nil {
			return err
		}
		return tx.Save(&lesson).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return &lesson, err
	}
	return &lesson, nil
}

func (s *GormStore) ListLessons(ctx context.Context, filter LessonFilter) ([]models.Lesson, error) {
	q := s.db.WithContext(ctx).Model(&models.Lesson{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.EndedBefore != nil {
		q = q.Where("end_time < ?", *filter.EndedBefore)
	}
	if filter.CompletedAfter != nil {
		q = q.Where("completed_at >= ?", *filter.CompletedAfter)
	}
	if filter.HasCallStart != nil {
		if *filter.HasCallStart {
			q = q.Where("actual_call_start_time IS NOT NULL")
		} else {
			q = q.Where("actual_call_start_time IS NULL")
		}
	}
	if filter.WithoutPayment {
		q = q.Where("payment_id IS NULL")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var lessons []models.Lesson
	if err := q.Order("end_time asc").Find(&lessons).Error; err != nil {
		return nil, err
	}
	return lessons, nil
}

func (s *GormStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).First(&payment, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &payment, nil
}

func (s *GormStore) FindPaymentByLesson(ctx context.Context, lessonID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).First(&payment, "lesson_id = ?", lessonID).Error; err != nil {
		return nil, translate(err)
	}
	return &payment, nil
}

func (s *GormStore) FindPaymentByRef(ctx context.Context, ref ExternalRef, value string) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).Where(string(ref)+" = ?", value).First(&payment).Error; err != nil {
		return nil, translate(err)
	}
	return &payment, nil
}

func (s *GormStore) CreatePaymentForLesson(ctx context.Context, payment *models.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lesson models.Lesson
		if err := forUpdate(tx).First(&lesson, "id = ?", payment.LessonID).Error; err != nil {
			return translate(err)
		}
		if lesson.PaymentID != nil {
			return ErrLessonAlreadyPaid
		}
		if err := tx.Create(payment).Error; err != nil {
			return err
		}
		return tx.Model(&lesson).Update("payment_id", payment.ID).Error
	})
}

func (s *GormStore) MutatePayment(ctx context.Context, id uuid.UUID, fn func(*models.Payment) error) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&payment, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		if err := fn(&payment); err != nil {
			return err
		}
		return tx.Save(&payment).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return &payment, err
	}
	return &payment, nil
}

func (s *GormStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]models.Payment, error) {
	q := s.db.WithContext(ctx).Model(&models.Payment{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if len(filter.TransferStatuses) > 0 {
		q = q.Where("transfer_status IN ?", filter.TransferStatuses)
	}
	if len(filter.SettlementStates) > 0 {
		q = q.Where("settlement_state IN ?", filter.SettlementStates)
	}
	if filter.ChargedAfter != nil {
		q = q.Where("charged_at >= ?", *filter.ChargedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("created_at < ?", *filter.CreatedBefore)
	}
	if filter.TransferFailedAfter != nil {
		q = q.Where("transfer_failed_at >= ?", *filter.TransferFailedAfter)
	}
	if filter.Uncaptured {
		q = q.Where("charged_at IS NULL")
	}
	if filter.RevenueRecognized != nil {
		q = q.Where("revenue_recognized = ?", *filter.RevenueRecognized)
	}
	if filter.LessonCompletedAfter != nil {
		q = q.Where("lesson_id IN (?)", s.db.Model(&models.Lesson{}).Select("id").
			Where("status = ? AND completed_at >= ?", models.LessonCompleted, *filter.LessonCompletedAfter))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var payments []models.Payment
	if err := q.Order("created_at asc").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (s *GormStore) GetWallet(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := s.db.WithContext(ctx).First(&wallet, "owner_id = ?", ownerID).Error; err != nil {
		return nil, translate(err)
	}
	return &wallet, nil
}

func (s *GormStore) ApplyWalletTransaction(ctx context.Context, ownerID uuid.UUID, kind models.WalletTransactionKind, correlationID string, fn func(*models.Wallet) (*models.WalletTransaction, error)) (*models.WalletTransaction, bool, error) {
	var entry *models.WalletTransaction
	applied := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := models.Wallet{OwnerID: ownerID, Balance: decimal.Zero, ReservedBalance: decimal.Zero}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		var wallet models.Wallet
		if err := forUpdate(tx).First(&wallet, "owner_id = ?", ownerID).Error; err != nil {
			return translate(err)
		}

		var existing models.WalletTransaction
		err := tx.Where("owner_id = ? AND kind = ? AND correlation_id = ?", ownerID, kind, correlationID).First(&existing).Error
		if err == nil {
			entry = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		created, err := fn(&wallet)
		if err != nil {
			return err
		}
		wallet.Version++
		if err := tx.Save(&wallet).Error; err != nil {
			return err
		}

		if created.ID == uuid.Nil {
			created.ID = uuid.New()
		}
		created.OwnerID = ownerID
		created.Kind = kind
		created.CorrelationID = correlationID
		if err := tx.Create(created).Error; err != nil {
			return err
		}
		entry = created
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return entry, applied, nil
}

func (s *GormStore) ListWalletTransactions(ctx context.Context, ownerID uuid.UUID, limit int) ([]models.WalletTransaction, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []models.WalletTransaction
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *GormStore) GetPayoutAccount(ctx context.Context, tutorID uuid.UUID) (*models.PayoutAccount, error) {
	var account models.PayoutAccount
	if err := s.db.WithContext(ctx).First(&account, "tutor_id = ?", tutorID).Error; err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

func (s *GormStore) FindPayoutAccountByProcessorID(ctx context.Context, accountID string) (*models.PayoutAccount, error) {
	var account models.PayoutAccount
	if err := s.db.WithContext(ctx).First(&account, "processor_account_id = ?", accountID).Error; err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

func (s *GormStore) SavePayoutAccount(ctx context.Context, account *models.PayoutAccount) error {
	return s.db.WithContext(ctx).Save(account).Error
}

func (s *GormStore) CreateAlertOnce(ctx context.Context, alert *models.Alert) (bool, error) {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if alert.DedupeKey != "" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", alert.DedupeKey).Error; err != nil {
				return err
			}
			var count int64
			if err := tx.Model(&models.Alert{}).
				Where("dedupe_key = ? AND resolved_at IS NULL", alert.DedupeKey).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
		}
		if err := tx.Create(alert).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (s *GormStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error) {
	q := s.db.WithContext(ctx).Model(&models.Alert{})
	if filter.OpenOnly {
		q = q.Where("resolved_at IS NULL")
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var alerts []models.Alert
	if err := q.Order("created_at desc").Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *GormStore) ResolveAlert(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&models.Alert{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) BeginWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	var existing models.WebhookEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(event).Error; err != nil {
			return err
		}
		return tx.First(&existing, "id = ?", event.ID).Error
	})
	if err != nil {
		return false, err
	}
	return existing.ProcessedAt != nil, nil
}

func (s *GormStore) FinishWebhookEvent(ctx context.Context, id string, processingErr error, at time.Time) error {
	updates := map[string]interface{}{"updated_at": at}
	if processingErr != nil {
		updates["processing_error"] = processingErr.Error()
	} else {
		updates["processed_at"] = at
		updates["processing_error"] = nil
	}
	return s.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
