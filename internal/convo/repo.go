package convo

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrVersionConflict is returned by UpdateStateCAS when the stored version
// no longer matches the one the caller read.
var ErrVersionConflict = errors.New("convo: campaign state version conflict")

const casMaxRetries = 5

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	return s.db.WithContext(ctx).Create(m).Error
}

// ListMessagesDesc returns all messages for a task, newest first.
func (s *Store) ListMessagesDesc(ctx context.Context, taskID string) ([]Message, error) {
	var msgs []Message
	if err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id DESC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// LatestMessage returns the most recent message for a task, or
// gorm.ErrRecordNotFound when the task has no messages.
func (s *Store) LatestMessage(ctx context.Context, taskID string) (*Message, error) {
	var m Message
	if err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id DESC").
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) GetState(ctx context.Context, taskID string) (*CampaignState, error) {
	var st CampaignState
	if err := s.db.WithContext(ctx).First(&st, "task_id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// PutState replaces the projection for a task, resetting its version.
// Called when a fresh vendor list is written to the message log.
func (s *Store) PutState(ctx context.Context, taskID string, messageID uint64, options OptionList) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", taskID).Delete(&CampaignState{}).Error; err != nil {
			return err
		}
		return tx.Create(&CampaignState{
			TaskID:    taskID,
			MessageID: messageID,
			Options:   options,
			Version:   1,
		}).Error
	})
}

// UpdateStateCAS writes options only if the stored version still equals
// fromVersion; otherwise ErrVersionConflict.
func (s *Store) UpdateStateCAS(ctx context.Context, taskID string, fromVersion uint64, options OptionList) error {
	res := s.db.WithContext(ctx).Model(&CampaignState{}).
		Where("task_id = ? AND version = ?", taskID, fromVersion).
		Updates(map[string]any{
			"options": options,
			"version": fromVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// MutateState applies fn to the current option list under compare-and-set,
// retrying on version conflicts. fn returns false to signal that nothing
// changed and the write can be skipped.
func (s *Store) MutateState(ctx context.Context, taskID string, fn func(options OptionList) (OptionList, bool)) error {
	var lastErr error
	for i := 0; i < casMaxRetries; i++ {
		st, err := s.GetState(ctx, taskID)
		if err != nil {
			return err
		}
		next, changed := fn(st.Options)
		if !changed {
			return nil
		}
		lastErr = s.UpdateStateCAS(ctx, taskID, st.Version, next)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrVersionConflict) {
			return lastErr
		}
	}
	return lastErr
}
