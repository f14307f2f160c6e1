package provider

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/hitoshi/lessonsync/internal/model"
)

// SafeClientFactory はSSRF防止付きHTTPクライアント生成のインターフェース。
// security.SSRFGuardServiceの部分集合として定義する。
type SafeClientFactory interface {
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
	ValidateURL(rawURL string) error
}

// ICSConfig はICS購読アダプターの設定。
type ICSConfig struct {
	Timeout     time.Duration
	MaxBodySize int64
}

// ICSAdapter はICS購読URL経由のカレンダーを提供する。
// OAuthを使用せず、ユーザーが入力した購読URLを直接フェッチしてパースする。
// URLはユーザー入力のため、フェッチはSSRF防止付きクライアントで行う。
type ICSAdapter struct {
	config ICSConfig
	guard  SafeClientFactory
}

// NewICSAdapter はICSAdapterを生成する。
func NewICSAdapter(config ICSConfig, guard SafeClientFactory) *ICSAdapter {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 5 * 1024 * 1024
	}
	return &ICSAdapter{config: config, guard: guard}
}

// Name はプロバイダー種別を返す。
func (a *ICSAdapter) Name() model.Provider {
	return model.ProviderICS
}

// AuthURL はOAuthを使用しないため常に空文字列を返す。
func (a *ICSAdapter) AuthURL(state, codeChallenge string) string {
	return ""
}

// ExchangeCode はOAuthを使用しないためErrOAuthNotSupportedを返す。
func (a *ICSAdapter) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Token, error) {
	return nil, ErrOAuthNotSupported
}

// RefreshToken はOAuthを使用しないためErrOAuthNotSupportedを返す。
func (a *ICSAdapter) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	return nil, ErrOAuthNotSupported
}

// GetProfile はOAuthアカウントを持たないためErrOAuthNotSupportedを返す。
// ICS接続のprovider_account_idはAccountIDForURLで導出する。
func (a *ICSAdapter) GetProfile(ctx context.Context, accessToken string) (*Profile, error) {
	return nil, ErrOAuthNotSupported
}

// ListCalendars はICS購読が単一カレンダーのためErrOAuthNotSupportedを返す。
func (a *ICSAdapter) ListCalendars(ctx context.Context, accessToken string) ([]Calendar, error) {
	return nil, ErrOAuthNotSupported
}

// AccountIDForURL は購読URLから安定したアカウントIDを導出する。
// 同一URLの再接続がUPSERTで同一接続に解決されるようにする。
func AccountIDForURL(feedURL string) string {
	sum := sha256.Sum256([]byte(feedURL))
	return fmt.Sprintf("ics-%x", sum[:8])
}

// Probe は購読URLを検証し、1回フェッチしてパース可能なICSであることを確認する。
// カレンダー名（X-WR-CALNAME）が取得できた場合はそれを返す。
func (a *ICSAdapter) Probe(ctx context.Context, feedURL string) (string, error) {
	if err := a.guard.ValidateURL(feedURL); err != nil {
		return "", err
	}

	cal, err := a.fetchCalendar(ctx, feedURL)
	if err != nil {
		return "", err
	}

	if prop := cal.Props.Get("X-WR-CALNAME"); prop != nil {
		return prop.Value, nil
	}
	return "", nil
}

// ListEvents は購読URLをフェッチし、同期ウィンドウ内のイベント一覧を返す。
func (a *ICSAdapter) ListEvents(ctx context.Context, conn *model.CalendarConnection, from, to time.Time) ([]model.ProviderEvent, error) {
	if err := a.guard.ValidateURL(conn.FeedURL); err != nil {
		return nil, err
	}

	cal, err := a.fetchCalendar(ctx, conn.FeedURL)
	if err != nil {
		return nil, err
	}

	var events []model.ProviderEvent
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		ev, ok := convertICSEvent(comp)
		if !ok {
			continue
		}
		// 同期ウィンドウ外のイベントは除外する（半開区間で判定）
		if !ev.StartTime.Before(to) || !from.Before(ev.EndTime) {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// fetchCalendar は購読URLをSSRF防止付きクライアントでフェッチしパースする。
func (a *ICSAdapter) fetchCalendar(ctx context.Context, feedURL string) (*ical.Calendar, error) {
	client := a.guard.NewSafeClient(a.config.Timeout, a.config.MaxBodySize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar, */*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ics fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ics fetch failed with status %d", resp.StatusCode)
	}

	cal, err := ical.NewDecoder(resp.Body).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ics: %w", err)
	}
	return cal, nil
}

// convertICSEvent はVEVENTコンポーネントをProviderEventに変換する。
// UIDまたは日時をパースできないイベントはスキップする。
func convertICSEvent(comp *ical.Component) (model.ProviderEvent, bool) {
	ev := model.ProviderEvent{Status: "confirmed"}

	uid := comp.Props.Get(ical.PropUID)
	if uid == nil || uid.Value == "" {
		return model.ProviderEvent{}, false
	}
	ev.ExternalID = uid.Value

	if p := comp.Props.Get(ical.PropSummary); p != nil {
		ev.Title = p.Value
	}
	if p := comp.Props.Get(ical.PropDescription); p != nil {
		ev.Description = p.Value
	}
	if p := comp.Props.Get(ical.PropLocation); p != nil {
		ev.Location = p.Value
	}
	if p := comp.Props.Get(ical.PropStatus); p != nil {
		switch strings.ToUpper(p.Value) {
		case "CANCELLED":
			ev.Status = "cancelled"
		case "TENTATIVE":
			ev.Status = "tentative"
		}
	}

	ev.AttendeeCount = len(comp.Props.Values(ical.PropAttendee))

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	endProp := comp.Props.Get(ical.PropDateTimeEnd)
	if startProp == nil || endProp == nil {
		return model.ProviderEvent{}, false
	}

	ev.IsAllDay = startProp.Params.Get(ical.ParamValue) == "DATE"

	start, err := parseICSDateTime(startProp)
	if err != nil {
		return model.ProviderEvent{}, false
	}
	end, err := parseICSDateTime(endProp)
	if err != nil {
		return model.ProviderEvent{}, false
	}
	ev.StartTime = start
	ev.EndTime = end

	return ev, true
}

// parseICSDateTime は日時プロパティをtime.Timeに変換する。
// 標準のDateTimeメソッドで解決できない場合は既知のフォーマットで直接パースする。
func parseICSDateTime(prop *ical.Prop) (time.Time, error) {
	if t, err := prop.DateTime(time.UTC); err == nil {
		return t, nil
	}

	formats := []string{
		"20060102T150405Z",
		"20060102T150405",
		"20060102",
		time.RFC3339,
	}
	for _, format := range formats {
		if t, err := time.Parse(format, prop.Value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported ics datetime: %q", prop.Value)
}

// compile-time interface check
var _ Adapter = (*ICSAdapter)(nil)
