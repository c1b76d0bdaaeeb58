package powerwall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/levenlabs/go-lflag"

	"github.com/pulquero/agile-powerwall/pkg/common"
	"github.com/pulquero/agile-powerwall/pkg/log"
	"github.com/pulquero/agile-powerwall/pkg/types"
)

const (
	teslaAuthURL = "https://auth.tesla.com/oauth2/v3/token"
	teslaBaseURL = "https://owner-api.teslamotors.com"

	exportBatteryOK = "battery_ok"
	exportPVOnly    = "pv_only"
)

// tokenLeeway is how long before expiry an access token is refreshed.
const tokenLeeway = time.Minute

var teslaRetry = common.RetryPolicy{
	Attempts:        5,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
}

// Tesla implements Gateway against the Tesla Owner API. It only needs a
// refresh token; the access token is obtained and renewed on demand.
type Tesla struct {
	client  *http.Client
	retry   common.RetryPolicy
	authURL string
	baseURL string
	now     func() time.Time

	mu           sync.Mutex
	refreshToken string
	accessToken  string
	tokenExpiry  time.Time
	siteID       string
}

func newTesla() *Tesla {
	return &Tesla{
		client:  common.HTTPClient("tesla", time.Minute),
		retry:   teslaRetry,
		authURL: teslaAuthURL,
		baseURL: teslaBaseURL,
		now:     time.Now,
	}
}

func configuredTesla() *Tesla {
	refreshToken := lflag.String("tesla-refresh-token", "", "Tesla account refresh token")
	siteID := lflag.String("tesla-site-id", "", "Energy site id, if empty the first energy site on the account is used")

	t := newTesla()

	lflag.Do(func() {
		t.refreshToken = *refreshToken
		t.siteID = *siteID
	})

	return t
}

// Validate checks if the client is properly configured.
func (t *Tesla) Validate() error {
	if t.refreshToken == "" {
		return errors.New("missing tesla refresh token")
	}
	return nil
}

type tokenResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ensureLogin will not refresh again if the access token we have cached is
// still valid. It must be called with mu held.
func (t *Tesla) ensureLogin(ctx context.Context) error {
	if t.accessToken == "" || !t.now().Add(tokenLeeway).Before(t.tokenExpiry) {
		if err := t.login(ctx); err != nil {
			return fmt.Errorf("failed to login: %w", err)
		}
	}

	if t.siteID == "" {
		id, err := t.getDefaultSiteID(ctx)
		if err != nil {
			return fmt.Errorf("failed to get default energy site id: %w", err)
		}
		t.siteID = id
		log.Ctx(ctx).InfoContext(ctx, "automatically selected energy site", slog.String("siteID", id))
	}
	return nil
}

func (t *Tesla) login(ctx context.Context) error {
	if t.refreshToken == "" {
		return errors.New("missing refresh token")
	}
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     "ownerapi",
		"refresh_token": t.refreshToken,
		"scope":         "openid email offline_access",
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", t.authURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		log.Ctx(ctx).ErrorContext(ctx, "tesla token refresh failed", slog.Int("status", resp.StatusCode))
		return &common.StatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	var res tokenResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if res.AccessToken == "" {
		return errors.New("token response missing access_token")
	}
	t.accessToken = res.AccessToken
	if res.RefreshToken != "" {
		t.refreshToken = res.RefreshToken
	}
	t.tokenExpiry = t.accessTokenExpiry(res)
	log.Ctx(ctx).DebugContext(ctx, "tesla token refreshed", slog.Time("expiry", t.tokenExpiry))
	return nil
}

// accessTokenExpiry prefers the exp claim of the access token and falls
// back to expires_in.
func (t *Tesla) accessTokenExpiry(res tokenResult) time.Time {
	token, _, err := jwt.NewParser().ParseUnverified(res.AccessToken, jwt.MapClaims{})
	if err == nil {
		if exp, err := token.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if res.ExpiresIn > 0 {
		return t.now().Add(time.Duration(res.ExpiresIn) * time.Second)
	}
	return t.now().Add(time.Hour)
}

type product struct {
	EnergySiteID json.Number `json:"energy_site_id"`
}

func (t *Tesla) getDefaultSiteID(ctx context.Context) (string, error) {
	req, err := t.newGetRequest(ctx, "api/1/products")
	if err != nil {
		return "", err
	}
	var products []product
	if err := t.doRequest(req, &products); err != nil {
		return "", err
	}
	for _, p := range products {
		if p.EnergySiteID != "" {
			return p.EnergySiteID.String(), nil
		}
	}
	return "", errors.New("no energy sites found")
}

func (t *Tesla) sitePath(endpoint string) string {
	return "api/1/energy_sites/" + t.siteID + "/" + endpoint
}

func (t *Tesla) newGetRequest(ctx context.Context, endpoint string) (*http.Request, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

func (t *Tesla) newPostJSONRequest(ctx context.Context, endpoint string, data any) (*http.Request, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

type teslaResponse struct {
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error"`
}

// doRequest sends req with the cached access token and decodes the
// response field into dest. A 401 refreshes the token once. It must be
// called with mu held.
func (t *Tesla) doRequest(req *http.Request, dest any) error {
	ctx := req.Context()

	// we try up to 2 times because we might have an expired token
	for i := 0; i < 2; i++ {
		if i > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return err
			}
			req.Body = body
		}
		req.Header.Set("Authorization", "Bearer "+t.accessToken)

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized && i == 0 {
			log.Ctx(ctx).DebugContext(ctx, "tesla token expired")
			t.accessToken = ""
			if err := t.login(ctx); err != nil {
				return err
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			log.Ctx(ctx).WarnContext(ctx, "tesla api error", slog.Int("status", resp.StatusCode), slog.String("url", req.URL.Path))
			return &common.StatusError{Code: resp.StatusCode, Body: string(body)}
		}

		var tr teslaResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode tesla response", slog.Any("error", err), slog.String("body", string(body)))
			return err
		}
		if tr.Error != "" {
			return fmt.Errorf("tesla api error: %s", tr.Error)
		}
		if dest != nil {
			if err := json.Unmarshal(tr.Response, dest); err != nil {
				return fmt.Errorf("failed to decode tesla result: %w", err)
			}
		}
		return nil
	}
	return errors.New("tesla request unauthorized after token refresh")
}

// call runs fn with a valid login, retrying temporary failures.
func call[T any](ctx context.Context, t *Tesla, fn func(ctx context.Context) (T, error)) (T, error) {
	return common.Retry(ctx, t.retry, func(ctx context.Context) (T, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if err := t.ensureLogin(ctx); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx)
	})
}

// GetTariff implements Gateway.
func (t *Tesla) GetTariff(ctx context.Context) (types.TariffDocument, error) {
	return call(ctx, t, func(ctx context.Context) (types.TariffDocument, error) {
		req, err := t.newGetRequest(ctx, t.sitePath("tariff_rate"))
		if err != nil {
			return types.TariffDocument{}, err
		}
		var doc types.TariffDocument
		if err := t.doRequest(req, &doc); err != nil {
			return types.TariffDocument{}, fmt.Errorf("tariff_rate failed: %w", err)
		}
		return doc, nil
	})
}

// SetTariff implements Gateway.
func (t *Tesla) SetTariff(ctx context.Context, doc types.TariffDocument) error {
	_, err := call(ctx, t, func(ctx context.Context) (struct{}, error) {
		req, err := t.newPostJSONRequest(ctx, t.sitePath("time_of_use_settings"), map[string]any{
			"tou_settings": map[string]any{
				"tariff_content": doc,
			},
		})
		if err != nil {
			return struct{}{}, err
		}
		if err := t.doRequest(req, nil); err != nil {
			return struct{}{}, fmt.Errorf("time_of_use_settings failed: %w", err)
		}
		return struct{}{}, nil
	})
	if err == nil {
		log.Ctx(ctx).InfoContext(ctx, "updated powerwall tariff", slog.String("plan", doc.Name))
	}
	return err
}

type siteInfo struct {
	BackupReservePercent float64 `json:"backup_reserve_percent"`
	DefaultRealMode      string  `json:"default_real_mode"`
	Components           struct {
		DisallowChargeFromGridWithSolarInstalled *bool `json:"disallow_charge_from_grid_with_solar_installed"`
		CustomerPreferredExportRule              string `json:"customer_preferred_export_rule"`
	} `json:"components"`
}

// GetSettings implements Gateway.
func (t *Tesla) GetSettings(ctx context.Context) (types.PowerwallSettings, error) {
	info, err := call(ctx, t, func(ctx context.Context) (siteInfo, error) {
		req, err := t.newGetRequest(ctx, t.sitePath("site_info"))
		if err != nil {
			return siteInfo{}, err
		}
		var info siteInfo
		if err := t.doRequest(req, &info); err != nil {
			return siteInfo{}, fmt.Errorf("site_info failed: %w", err)
		}
		return info, nil
	})
	if err != nil {
		return types.PowerwallSettings{}, err
	}

	disallow := info.Components.DisallowChargeFromGridWithSolarInstalled
	allowGridCharging := disallow == nil || !*disallow
	allowBatteryExport := info.Components.CustomerPreferredExportRule == exportBatteryOK
	return types.PowerwallSettings{
		ReservePercentage:  &info.BackupReservePercent,
		Mode:               &info.DefaultRealMode,
		AllowGridCharging:  &allowGridCharging,
		AllowBatteryExport: &allowBatteryExport,
	}, nil
}

// SetSettings implements Gateway.
func (t *Tesla) SetSettings(ctx context.Context, settings types.PowerwallSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if settings.ReservePercentage != nil {
		if err := t.post(ctx, "backup", map[string]any{
			"backup_reserve_percent": *settings.ReservePercentage,
		}); err != nil {
			return err
		}
	}
	if settings.Mode != nil {
		if err := t.post(ctx, "operation", map[string]any{
			"default_real_mode": *settings.Mode,
		}); err != nil {
			return err
		}
	}
	if settings.AllowGridCharging != nil || settings.AllowBatteryExport != nil {
		body := map[string]any{}
		if settings.AllowGridCharging != nil {
			body["disallow_charge_from_grid_with_solar_installed"] = !*settings.AllowGridCharging
		}
		if settings.AllowBatteryExport != nil {
			rule := exportPVOnly
			if *settings.AllowBatteryExport {
				rule = exportBatteryOK
			}
			body["customer_preferred_export_rule"] = rule
		}
		if err := t.post(ctx, "grid_import_export", body); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tesla) post(ctx context.Context, endpoint string, body map[string]any) error {
	_, err := call(ctx, t, func(ctx context.Context) (struct{}, error) {
		req, err := t.newPostJSONRequest(ctx, t.sitePath(endpoint), body)
		if err != nil {
			return struct{}{}, err
		}
		if err := t.doRequest(req, nil); err != nil {
			return struct{}{}, fmt.Errorf("%s failed: %w", endpoint, err)
		}
		return struct{}{}, nil
	})
	return err
}
