package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnsync/pkg/channel"
	"github.com/go-go-golems/turnsync/pkg/errkind"
	"github.com/go-go-golems/turnsync/pkg/retry"
)

const (
	DefaultBaseURL     = "https://poe.com"
	DefaultDisplayName = "Sage"
	DefaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36"

	settingsPath = "/api/settings"
	viewerKey    = "viewer"
	chatDataKey  = "chatOfBotHandle"
)

type HTTPOptions struct {
	BaseURL     string
	Token       string
	DisplayName string
	UserAgent   string
	Client      *http.Client
	Retry       *retry.Policy
	Logger      *zerolog.Logger
}

type homePage struct {
	buildID   string
	formKey   string
	viewerUID string
}

// HTTPSource bootstraps a session from the backend's web pages using the
// account token cookie.
type HTTPSource struct {
	opts   HTTPOptions
	base   *url.URL
	client *http.Client
	logger zerolog.Logger

	mu   sync.Mutex
	home *homePage
}

var _ Source = (*HTTPSource)(nil)

func NewHTTPSource(opts HTTPOptions) (*HTTPSource, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errkind.Newf(errkind.InvalidCredential, "empty account token")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.DisplayName == "" {
		opts.DisplayName = DefaultDisplayName
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &HTTPSource{
		opts:   opts,
		base:   base,
		client: client,
		logger: logger.With().Str("component", "session").Logger(),
	}, nil
}

// Header carries the account identity. The query client sends it with every
// request and the channel sends the user agent on dial.
func (s *HTTPSource) Header() http.Header {
	h := http.Header{}
	h.Set("User-Agent", s.opts.UserAgent)
	h.Set("Referer", s.base.String())
	h.Set("Origin", s.base.Scheme+"://"+s.base.Host)
	h.Set("Cookie", "p-b="+s.opts.Token)
	return h
}

func (s *HTTPSource) get(ctx context.Context, path string) ([]byte, error) {
	u := s.base.ResolveReference(&url.URL{Path: path})
	var body []byte
	err := s.opts.Retry.Do(ctx, "GET "+path, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		req.Header = s.Header()
		resp, err := s.client.Do(req)
		if err != nil {
			return retry.Transient(errors.Wrapf(err, "GET %s", path))
		}
		defer func() { _ = resp.Body.Close() }()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.Transient(errors.Wrapf(err, "read %s", path))
		}
		if resp.StatusCode != http.StatusOK {
			err := errors.Errorf("GET %s: status %d", path, resp.StatusCode)
			if retry.TransientStatus(resp.StatusCode) {
				return retry.Transient(err)
			}
			if resp.StatusCode == http.StatusUnauthorized {
				return errkind.New(errkind.InvalidCredential, err)
			}
			return err
		}
		body = b
		return nil
	})
	return body, err
}

func (s *HTTPSource) loadHome(ctx context.Context) (*homePage, error) {
	s.logger.Info().Msg("downloading home page")
	body, err := s.get(ctx, "/")
	if err != nil {
		return nil, err
	}
	html := string(body)

	next, err := ExtractNextData(html)
	if err != nil {
		return nil, errkind.New(errkind.ProtocolViolation, err)
	}
	formKey, err := ExtractFormKey(html)
	if err != nil {
		return nil, errkind.New(errkind.ProtocolViolation, err)
	}
	buildID, _ := next["buildId"].(string)
	if buildID == "" {
		return nil, errkind.Newf(errkind.ProtocolViolation, "home page has no build id")
	}

	viewer := FindObject(next, viewerKey)
	if viewer == nil {
		return nil, errkind.Newf(errkind.ProtocolViolation, "home page has no %q object", viewerKey)
	}
	uid := fmt.Sprint(viewer["uid"])
	if viewer["uid"] == nil || uid == "" {
		return nil, errkind.Newf(errkind.InvalidCredential, "invalid token")
	}

	page := &homePage{buildID: buildID, formKey: formKey, viewerUID: uid}
	s.mu.Lock()
	s.home = page
	s.mu.Unlock()
	return page, nil
}

func (s *HTTPSource) cachedHome(ctx context.Context) (*homePage, error) {
	s.mu.Lock()
	page := s.home
	s.mu.Unlock()
	if page != nil {
		return page, nil
	}
	return s.loadHome(ctx)
}

// SigningSeed refetches the home page and returns its form key.
func (s *HTTPSource) SigningSeed(ctx context.Context) (string, error) {
	page, err := s.loadHome(ctx)
	if err != nil {
		return "", err
	}
	return page.formKey, nil
}

type tchannelData struct {
	MinSeq      json.Number `json:"minSeq"`
	Channel     string      `json:"channel"`
	ChannelHash string      `json:"channelHash"`
	BoxName     string      `json:"boxName"`
	BaseHost    string      `json:"baseHost"`
}

func (s *HTTPSource) ChannelDescriptor(ctx context.Context) (channel.Descriptor, error) {
	s.logger.Info().Msg("downloading channel data")
	body, err := s.get(ctx, settingsPath)
	if err != nil {
		return channel.Descriptor{}, err
	}
	var settings struct {
		TChannelData *tchannelData `json:"tchannelData"`
	}
	if err := json.Unmarshal(body, &settings); err != nil {
		return channel.Descriptor{}, errkind.New(errkind.ProtocolViolation, errors.Wrap(err, "decode settings"))
	}
	td := settings.TChannelData
	if td == nil || td.Channel == "" || td.BaseHost == "" || td.BoxName == "" {
		return channel.Descriptor{}, errkind.Newf(errkind.ProtocolViolation, "settings carry no channel data")
	}
	return channel.Descriptor{
		Endpoint: fmt.Sprintf("wss://tch%d.tch.%s/up/%s/updates", rand.IntN(1_000_000), td.BaseHost, td.BoxName),
		Secret:   td.Channel,
		Hash:     td.ChannelHash,
		Cursor:   td.MinSeq.String(),
	}, nil
}

func (s *HTTPSource) Chat(ctx context.Context) (ChatTarget, error) {
	page, err := s.cachedHome(ctx)
	if err != nil {
		return ChatTarget{}, err
	}
	s.logger.Info().Str("bot", s.opts.DisplayName).Msg("downloading chat data")
	body, err := s.get(ctx, fmt.Sprintf("/_next/data/%s/%s.json", page.buildID, s.opts.DisplayName))
	if err != nil {
		return ChatTarget{}, err
	}
	doc, err := decodeObject(body)
	if err != nil {
		return ChatTarget{}, errkind.New(errkind.ProtocolViolation, err)
	}
	obj := FindObject(doc, chatDataKey)
	if obj == nil {
		return ChatTarget{}, errkind.Newf(errkind.ProtocolViolation, "chat data has no %q object", chatDataKey)
	}
	var raw struct {
		ChatID           int64  `json:"chatId"`
		ID               string `json:"id"`
		DefaultBotObject struct {
			Model string `json:"model"`
		} `json:"defaultBotObject"`
	}
	if err := convert(obj, &raw); err != nil {
		return ChatTarget{}, errkind.New(errkind.ProtocolViolation, errors.Wrap(err, "decode chat data"))
	}
	if raw.ChatID == 0 || raw.DefaultBotObject.Model == "" {
		return ChatTarget{}, errkind.Newf(errkind.ProtocolViolation, "chat data is incomplete")
	}
	return ChatTarget{ChatID: raw.ChatID, NodeID: raw.ID, Bot: raw.DefaultBotObject.Model}, nil
}
