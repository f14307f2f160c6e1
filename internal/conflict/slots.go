package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/lessonsync/internal/model"
	"github.com/hitoshi/lessonsync/internal/repository"
)

// maxSlotRangeDays は空き枠探索の日数上限。
const maxSlotRangeDays = 31

// SlotQuery は空き枠探索の入力を表す。
type SlotQuery struct {
	StartDate       time.Time // 日付のみ有効（時刻は無視される）
	EndDate         time.Time
	DurationMinutes int
	StartHour       int // 営業時間の開始時（0-23）
	EndHour         int // 営業時間の終了時（排他的）
	ExcludeWeekends bool
}

// Window は1つの候補時間枠を表す。
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DaySlots は1日分の空き枠を表す。
type DaySlots struct {
	Date  string   `json:"date"` // YYYY-MM-DD
	Slots []Window `json:"slots"`
}

// SlotFinder はアクティブなブロックを避けた空き時間枠を列挙する。
// 同じ入力と状態に対して常に同一の順序の同一の結果を返す。
type SlotFinder struct {
	blockRepo repository.BlockRepository
}

// NewSlotFinder はSlotFinderを生成する。
func NewSlotFinder(blockRepo repository.BlockRepository) *SlotFinder {
	return &SlotFinder{blockRepo: blockRepo}
}

// FindAvailable は日付範囲内の各日について、営業時間内を指定時間長の
// 固定グリッドで刻み、アクティブなブロックと重ならない候補を日付ごとに返す。
func (f *SlotFinder) FindAvailable(ctx context.Context, orgID string, query SlotQuery) ([]DaySlots, error) {
	if err := validateSlotQuery(query); err != nil {
		return nil, err
	}

	blocks, err := f.blockRepo.ListActiveByOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active blocks: %w", err)
	}

	duration := time.Duration(query.DurationMinutes) * time.Minute
	start := truncateToDay(query.StartDate)
	end := truncateToDay(query.EndDate)

	var result []DaySlots
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if query.ExcludeWeekends && isWeekend(day.Weekday()) {
			continue
		}

		daySlots := DaySlots{Date: day.Format("2006-01-02")}
		windowStart := day.Add(time.Duration(query.StartHour) * time.Hour)
		windowEnd := day.Add(time.Duration(query.EndHour) * time.Hour)

		for candidate := windowStart; !candidate.Add(duration).After(windowEnd); candidate = candidate.Add(duration) {
			candidateEnd := candidate.Add(duration)
			if !anyBlockOverlaps(blocks, candidate, candidateEnd) {
				daySlots.Slots = append(daySlots.Slots, Window{Start: candidate, End: candidateEnd})
			}
		}

		result = append(result, daySlots)
	}

	return result, nil
}

func validateSlotQuery(query SlotQuery) error {
	if query.DurationMinutes <= 0 {
		return model.NewValidationError("durationは正の分数で指定してください")
	}
	if query.StartHour < 0 || query.EndHour > 24 || query.StartHour >= query.EndHour {
		return model.NewValidationError("営業時間の範囲が不正です")
	}
	if query.StartDate.IsZero() || query.EndDate.IsZero() {
		return model.NewValidationError("start_dateとend_dateは必須です")
	}
	start := truncateToDay(query.StartDate)
	end := truncateToDay(query.EndDate)
	if end.Before(start) {
		return model.NewValidationError("end_dateはstart_date以降を指定してください")
	}
	if end.Sub(start) > maxSlotRangeDays*24*time.Hour {
		return model.NewValidationError(fmt.Sprintf("日付範囲は%d日以内で指定してください", maxSlotRangeDays))
	}
	return nil
}

func truncateToDay(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func isWeekend(wd time.Weekday) bool {
	return wd == time.Saturday || wd == time.Sunday
}

func anyBlockOverlaps(blocks []*model.BlockedTimeSlot, start, end time.Time) bool {
	for _, block := range blocks {
		if block.Overlaps(start, end) {
			return true
		}
	}
	return false
}
