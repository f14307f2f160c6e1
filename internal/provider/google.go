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
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
	defaultGoogleCalendarURL = "https://www.googleapis.com/calendar/v3"
)

// googleScopes はカレンダー読み取りとプロフィール取得に必要なスコープ。
const googleScopes = "openid email https://www.googleapis.com/auth/calendar.readonly"

// GoogleConfig はGoogleカレンダーアダプターの設定。
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	CalendarURL string
}

// GoogleAdapter はGoogleカレンダーのOAuth 2.0認証とイベント取得を提供する。
type GoogleAdapter struct {
	config GoogleConfig
	client *http.Client
}

// NewGoogleAdapter はGoogleAdapterを生成する。
func NewGoogleAdapter(config GoogleConfig) *GoogleAdapter {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if config.CalendarURL == "" {
		config.CalendarURL = defaultGoogleCalendarURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &GoogleAdapter{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Name はプロバイダー種別を返す。
func (a *GoogleAdapter) Name() model.Provider {
	return model.ProviderGoogle
}

// AuthURL はGoogle OAuthの認可URLを生成する。
// PKCEのS256チャレンジとオフラインアクセス（リフレッシュトークン取得）を含む。
func (a *GoogleAdapter) AuthURL(state, codeChallenge string) string {
	params := url.Values{
		"client_id":             {a.config.ClientID},
		"redirect_uri":          {a.config.RedirectURL},
		"response_type":         {"code"},
		"scope":                 {googleScopes},
		"state":                 {state},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
	}
	return a.config.AuthURL + "?" + params.Encode()
}

// googleTokenResponse はGoogleのトークンエンドポイントのレスポンス。
type googleTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// ExchangeCode は認可コードとPKCE検証子をトークンに交換する。
func (a *GoogleAdapter) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Token, error) {
	data := url.Values{
		"code":          {code},
		"client_id":     {a.config.ClientID},
		"client_secret": {a.config.ClientSecret},
		"redirect_uri":  {a.config.RedirectURL},
		"grant_type":    {"authorization_code"},
		"code_verifier": {codeVerifier},
	}
	return a.requestToken(ctx, data)
}

// RefreshToken はリフレッシュトークンで新しいアクセストークンを取得する。
// Googleはリフレッシュ時に新しいrefresh_tokenを返さないため、既存の値を引き継ぐ。
func (a *GoogleAdapter) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	data := url.Values{
		"refresh_token": {refreshToken},
		"client_id":     {a.config.ClientID},
		"client_secret": {a.config.ClientSecret},
		"grant_type":    {"refresh_token"},
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
func (a *GoogleAdapter) requestToken(ctx context.Context, data url.Values) (*Token, error) {
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

	var tokenResp googleTokenResponse
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

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
}

// GetProfile はアクセストークンでGoogleのアカウントプロフィールを取得する。
func (a *GoogleAdapter) GetProfile(ctx context.Context, accessToken string) (*Profile, error) {
	body, err := a.getJSON(ctx, a.config.UserInfoURL, accessToken)
	if err != nil {
		return nil, err
	}

	var userInfo googleUserInfo
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}
	if userInfo.Sub == "" {
		return nil, fmt.Errorf("empty sub in user info response")
	}

	return &Profile{AccountID: userInfo.Sub, Email: userInfo.Email}, nil
}

// googleCalendarList はGoogleのカレンダー一覧エンドポイントのレスポンス。
type googleCalendarList struct {
	Items []struct {
		ID      string `json:"id"`
		Summary string `json:"summary"`
		Primary bool   `json:"primary"`
	} `json:"items"`
}

// ListCalendars はアカウントのカレンダー一覧を取得する。
func (a *GoogleAdapter) ListCalendars(ctx context.Context, accessToken string) ([]Calendar, error) {
	body, err := a.getJSON(ctx, a.config.CalendarURL+"/users/me/calendarList", accessToken)
	if err != nil {
		return nil, err
	}

	var list googleCalendarList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse calendar list response: %w", err)
	}

	calendars := make([]Calendar, 0, len(list.Items))
	for _, item := range list.Items {
		calendars = append(calendars, Calendar{
			ID:      item.ID,
			Name:    item.Summary,
			Primary: item.Primary,
		})
	}
	return calendars, nil
}

// googleEventList はGoogleのイベント一覧エンドポイントのレスポンス。
type googleEventList struct {
	Items []googleEvent `json:"items"`
}

// googleEvent はGoogleカレンダーの1イベント。
type googleEvent struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Status      string `json:"status"` // confirmed | tentative | cancelled
	HangoutLink string `json:"hangoutLink"`
	Start       struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"end"`
	Attendees []struct {
		Email string `json:"email"`
	} `json:"attendees"`
	ConferenceData *struct {
		ConferenceID string `json:"conferenceId"`
	} `json:"conferenceData"`
}

// ListEvents は同期ウィンドウ内のイベント一覧を取得する。
// 繰り返しイベントはsingleEvents=trueで個別のインスタンスに展開される。
func (a *GoogleAdapter) ListEvents(ctx context.Context, conn *model.CalendarConnection, from, to time.Time) ([]model.ProviderEvent, error) {
	calendarID := conn.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	params := url.Values{
		"timeMin":      {from.UTC().Format(time.RFC3339)},
		"timeMax":      {to.UTC().Format(time.RFC3339)},
		"singleEvents": {"true"},
		"orderBy":      {"startTime"},
		"maxResults":   {"2500"},
	}
	endpoint := fmt.Sprintf("%s/calendars/%s/events?%s",
		a.config.CalendarURL, url.PathEscape(calendarID), params.Encode())

	body, err := a.getJSON(ctx, endpoint, conn.AccessToken)
	if err != nil {
		return nil, err
	}

	var list googleEventList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse event list response: %w", err)
	}

	events := make([]model.ProviderEvent, 0, len(list.Items))
	for _, item := range list.Items {
		ev, ok := convertGoogleEvent(item)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// convertGoogleEvent はGoogleのイベントをProviderEventに変換する。
// 開始・終了時刻をパースできないイベントはスキップする。
func convertGoogleEvent(item googleEvent) (model.ProviderEvent, bool) {
	if item.ID == "" {
		return model.ProviderEvent{}, false
	}

	ev := model.ProviderEvent{
		ExternalID:    item.ID,
		Title:         item.Summary,
		Description:   item.Description,
		Location:      item.Location,
		Status:        item.Status,
		AttendeeCount: len(item.Attendees),
		IsOnline:      item.HangoutLink != "" || item.ConferenceData != nil,
	}

	// 終日イベントはdateTimeではなくdateのみを持つ
	if item.Start.Date != "" {
		ev.IsAllDay = true
		start, err := time.Parse("2006-01-02", item.Start.Date)
		if err != nil {
			return model.ProviderEvent{}, false
		}
		end, err := time.Parse("2006-01-02", item.End.Date)
		if err != nil {
			return model.ProviderEvent{}, false
		}
		ev.StartTime = start
		ev.EndTime = end
		return ev, true
	}

	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return model.ProviderEvent{}, false
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		return model.ProviderEvent{}, false
	}
	ev.StartTime = start
	ev.EndTime = end
	return ev, true
}

// getJSON はBearer認証付きGETリクエストを実行しレスポンスボディを返す。
func (a *GoogleAdapter) getJSON(ctx context.Context, endpoint, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

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
var _ Adapter = (*GoogleAdapter)(nil)
