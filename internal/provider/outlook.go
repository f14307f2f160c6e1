package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/lessonsync/internal/model"
)

const (
	defaultOutlookAuthURL  = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"
	defaultOutlookTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	defaultOutlookGraphURL = "https://graph.microsoft.com/v1.0"
)

// outlookScopes はMicrosoft Graphのカレンダー読み取りに必要なスコープ。
// offline_accessはリフレッシュトークンの取得に必要。
const outlookScopes = "openid email offline_access Calendars.Read"

// OutlookConfig はOutlook（Microsoft Graph）アダプターの設定。
type OutlookConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
	GraphURL string
}

// OutlookAdapter はOutlookカレンダーのOAuth 2.0認証とイベント取得を提供する。
// Microsoft Graph APIを使用する。
type OutlookAdapter struct {
	config OutlookConfig
	client *http.Client
}

// NewOutlookAdapter はOutlookAdapterを生成する。
func NewOutlookAdapter(config OutlookConfig) *OutlookAdapter {
	if config.AuthURL == "" {
		config.AuthURL = defaultOutlookAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultOutlookTokenURL
	}
	if config.GraphURL == "" {
		config.GraphURL = defaultOutlookGraphURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &OutlookAdapter{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Name はプロバイダー種別を返す。
func (a *OutlookAdapter) Name() model.Provider {
	return model.ProviderOutlook
}

// AuthURL はMicrosoftの認可URLを生成する。PKCEのS256チャレンジを含む。
func (a *OutlookAdapter) AuthURL(state, codeChallenge string) string {
	params := url.Values{
		"client_id":             {a.config.ClientID},
		"redirect_uri":          {a.config.RedirectURL},
		"response_type":         {"code"},
		"response_mode":         {"query"},
		"scope":                 {outlookScopes},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
	}
	return a.config.AuthURL + "?" + params.Encode()
}

// outlookTokenResponse はMicrosoftのトークンエンドポイントのレスポンス。
type outlookTokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// ExchangeCode は認可コードとPKCE検証子をトークンに交換する。
func (a *OutlookAdapter) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Token, error) {
	data := url.Values{
		"code":          {code},
		"client_id":     {a.config.ClientID},
		"client_secret": {a.config.ClientSecret},
		"redirect_uri":  {a.config.RedirectURL},
		"grant_type":    {"authorization_code"},
		"code_verifier": {codeVerifier},
		"scope":         {outlookScopes},
	}
	return a.requestToken(ctx, data)
}

// RefreshToken はリフレッシュトークンで新しいアクセストークンを取得する。
// Microsoftはローテーションした新しいrefresh_tokenを返す。
func (a *OutlookAdapter) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	data := url.Values{
		"refresh_token": {refreshToken},
		"client_id":     {a.config.ClientID},
		"client_secret": {a.config.ClientSecret},
		"grant_type":    {"refresh_token"},
		"scope":         {outlookScopes},
	}

	token, err := a.requestToken(ctx, data)
	if err != nil {
		return nil, err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// requestToken はトークンエンドポイントへのリクエストを実行する。
func (a *OutlookAdapter) requestToken(ctx context.Context, data url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: status %d: %s", ErrTokenRejected, resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp outlookTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	return &Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}, nil
}

// outlookProfile はGraphの/meエンドポイントのレスポンス。
type outlookProfile struct {
	ID                string `json:"id"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// GetProfile はアクセストークンでアカウントプロフィールを取得する。
func (a *OutlookAdapter) GetProfile(ctx context.Context, accessToken string) (*Profile, error) {
	body, err := a.getJSON(ctx, a.config.GraphURL+"/me", accessToken)
	if err != nil {
		return nil, err
	}

	var profile outlookProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile response: %w", err)
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("empty id in profile response")
	}

	email := profile.Mail
	if email == "" {
		email = profile.UserPrincipalName
	}

	return &Profile{AccountID: profile.ID, Email: email}, nil
}

// outlookCalendarList はGraphのカレンダー一覧エンドポイントのレスポンス。
type outlookCalendarList struct {
	Value []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		IsDefault bool   `json:"isDefaultCalendar"`
	} `json:"value"`
}

// ListCalendars はアカウントのカレンダー一覧を取得する。
func (a *OutlookAdapter) ListCalendars(ctx context.Context, accessToken string) ([]Calendar, error) {
	body, err := a.getJSON(ctx, a.config.GraphURL+"/me/calendars", accessToken)
	if err != nil {
		return nil, err
	}

	var list outlookCalendarList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse calendar list response: %w", err)
	}

	calendars := make([]Calendar, 0, len(list.Value))
	for _, item := range list.Value {
		calendars = append(calendars, Calendar{
			ID:      item.ID,
			Name:    item.Name,
			Primary: item.IsDefault,
		})
	}
	return calendars, nil
}

// outlookEventList はGraphのcalendarViewエンドポイントのレスポンス。
type outlookEventList struct {
	Value []outlookEvent `json:"value"`
}

// outlookEvent はMicrosoft Graphの1イベント。
type outlookEvent struct {
	ID              string `json:"id"`
	Subject         string `json:"subject"`
	IsAllDay        bool   `json:"isAllDay"`
	IsCancelled     bool   `json:"isCancelled"`
	IsOnlineMeeting bool   `json:"isOnlineMeeting"`
	ShowAs          string `json:"showAs"` // busy | tentative | free | oof
	Body            struct {
		Content string `json:"content"`
	} `json:"body"`
	Location struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Start     outlookDateTime `json:"start"`
	End       outlookDateTime `json:"end"`
	Attendees []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"attendees"`
}

// outlookDateTime はGraphの日時表現。タイムゾーン名と秒精度のローカル日時を持つ。
type outlookDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// parse はGraphの日時表現をtime.Timeに変換する。
// calendarViewはPrefer: outlook.timezone="UTC" 指定によりUTCで返される。
func (d outlookDateTime) parse() (time.Time, error) {
	// Graphは小数秒付きの "2006-01-02T15:04:05.0000000" 形式を返す
	for _, layout := range []string{"2006-01-02T15:04:05.0000000", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, d.DateTime); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported datetime format: %q", d.DateTime)
}

// ListEvents は同期ウィンドウ内のイベント一覧を取得する。
// calendarViewは繰り返しイベントを個別のインスタンスに展開して返す。
func (a *OutlookAdapter) ListEvents(ctx context.Context, conn *model.CalendarConnection, from, to time.Time) ([]model.ProviderEvent, error) {
	params := url.Values{
		"startDateTime": {from.UTC().Format(time.RFC3339)},
		"endDateTime":   {to.UTC().Format(time.RFC3339)},
		"$top":          {"500"},
	}
	endpoint := a.config.GraphURL + "/me/calendarView?" + params.Encode()

	body, err := a.getJSON(ctx, endpoint, conn.AccessToken)
	if err != nil {
		return nil, err
	}

	var list outlookEventList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse event list response: %w", err)
	}

	events := make([]model.ProviderEvent, 0, len(list.Value))
	for _, item := range list.Value {
		ev, ok := convertOutlookEvent(item)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// convertOutlookEvent はGraphのイベントをProviderEventに変換する。
func convertOutlookEvent(item outlookEvent) (model.ProviderEvent, bool) {
	if item.ID == "" {
		return model.ProviderEvent{}, false
	}

	start, err := item.Start.parse()
	if err != nil {
		return model.ProviderEvent{}, false
	}
	end, err := item.End.parse()
	if err != nil {
		return model.ProviderEvent{}, false
	}

	status := "confirmed"
	if item.IsCancelled {
		status = "cancelled"
	} else if item.ShowAs == "tentative" {
		status = "tentative"
	}

	return model.ProviderEvent{
		ExternalID:    item.ID,
		Title:         item.Subject,
		Description:   item.Body.Content,
		Location:      item.Location.DisplayName,
		StartTime:     start,
		EndTime:       end,
		Status:        status,
		AttendeeCount: len(item.Attendees),
		IsOnline:      item.IsOnlineMeeting,
		IsAllDay:      item.IsAllDay,
	}, true
}

// getJSON はBearer認証付きGETリクエストを実行しレスポンスボディを返す。
// calendarViewの日時をUTCで受け取るためPreferヘッダーを付与する。
func (a *OutlookAdapter) getJSON(ctx context.Context, endpoint, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d: %s", ErrTokenRejected, resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// compile-time interface check
var _ Adapter = (*OutlookAdapter)(nil)
