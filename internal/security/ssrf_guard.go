// Package security はICS購読URLの検証とイベント本文のサニタイズなど、
// 外部カレンダー由来の入力に対する防御機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService はフィード取得のSSRF防止インターフェース。
// 購読URLはユーザー入力のため、接続登録時の事前検証と
// フィードのフェッチの両方で使用される。
type SSRFGuardService interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// safeurlがプライベートIP、ループバック、リンクローカル、
	// クラウドメタデータIPへのリクエストをブロックし、
	// DNS再バインディング攻撃への対策も有効化される。
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client

	// ValidateURL は購読URLの安全性を事前に検証する。
	// スキーム、ホスト、IPアドレスを検証し、危険なURLにエラーを返す。
	ValidateURL(rawURL string) error
}

// feedSchemes はフィードのURLとして許可するスキーム。
var feedSchemes = []string{"http", "https"}

// deniedNetworks は購読URLとして拒否するネットワーク範囲。
// safeurlはnet.DialerレベルでDNS解決後のIPアドレスも検証するため、
// DNS再バインディング攻撃はフェッチ側でも防がれる。
var deniedNetworks = mustParseNetworks(
	// プライベートIPアドレス (RFC 1918)
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	// ループバック (RFC 1122)
	"127.0.0.0/8",
	// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
	"169.254.0.0/16",
	// カレントネットワーク
	"0.0.0.0/8",
	// IPv6ループバック
	"::1/128",
	// IPv6リンクローカル
	"fe80::/10",
	// IPv6ユニークローカル
	"fc00::/7",
)

// deniedHostnames は購読URLとして拒否するホスト名。
var deniedHostnames = map[string]bool{
	"localhost": true,
}

func mustParseNetworks(cidrs ...string) []net.IPNet {
	networks := make([]net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in deniedNetworks: %s: %v", cidr, err))
		}
		networks = append(networks, *network)
	}
	return networks
}

// ssrfGuard はSSRFGuardServiceの実装。
type ssrfGuard struct{}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
func NewSSRFGuard() *ssrfGuard {
	return &ssrfGuard{}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// ICSアダプターがフィードの探索とフェッチに使用する。
// safeurlのデフォルト設定により以下がブロックされる:
//   - プライベートIPアドレス (10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16)
//   - ループバックアドレス (127.0.0.0/8, ::1)
//   - リンクローカルアドレス (169.254.0.0/16, fe80::/10)
//   - メタデータIPアドレス (169.254.169.254)
//
// safeurlはnet.DialerのControlフックでDNS解決後のIPアドレスを検証する。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(feedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}

// ValidateURL は購読URLの安全性をDNS解決を伴わずに検証する。
// ICS接続の登録時、フィードへリクエストを送信する前のチェックとして使用する。
// 静的チェックのため、DNS再バインディング攻撃はNewSafeClientが生成する
// HTTPクライアント側のDialer検証で防止される。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isFeedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, feedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isDeniedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if deniedHostnames[strings.ToLower(host)] {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// isFeedScheme はURLスキームが許可リストに含まれるかを検証する。
func isFeedScheme(scheme string) bool {
	for _, allowed := range feedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isDeniedIP はIPアドレスが拒否対象のネットワーク範囲に含まれるかを検証する。
func isDeniedIP(ip net.IP) bool {
	for _, network := range deniedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
