package enocoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/levenlabs/go-lflag"

	"github.com/enocoosync/enocoosync/pkg/common"
	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/types"
)

const loginPath = "api/login"

// Client talks to the enocoo dashboard. The dashboard authenticates with a
// session cookie that expires after some inactivity; Client logs in lazily and
// logs in again once when a request is rejected.
type Client struct {
	client   *http.Client
	baseURL  string
	username string
	password string
	location *time.Location

	jar      *sessionJar
	mu       sync.Mutex
	loggedIn bool
}

// sessionJar is a cookie jar that can be emptied while requests are in
// flight.
type sessionJar struct {
	mu  sync.Mutex
	jar *cookiejar.Jar
}

func (j *sessionJar) current() *cookiejar.Jar {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jar
}

// SetCookies implements http.CookieJar.
func (j *sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.current().SetCookies(u, cookies)
}

// Cookies implements http.CookieJar.
func (j *sessionJar) Cookies(u *url.URL) []*http.Cookie {
	return j.current().Cookies(u)
}

func (j *sessionJar) reset() {
	// cookiejar.New never returns an error with nil options
	jar, _ := cookiejar.New(nil)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jar = jar
}

func newSessionJar() *sessionJar {
	j := &sessionJar{}
	j.reset()
	return j
}

// NewClient returns a client for the dashboard at baseURL.
func NewClient(baseURL, username, password string, location *time.Location) *Client {
	c := &Client{
		client:   common.HTTPClient(time.Minute),
		baseURL:  baseURL,
		username: username,
		password: password,
		location: location,
		jar:      newSessionJar(),
	}
	c.client.Jar = c.jar
	return c
}

func configuredClient() *Client {
	c := &Client{
		client: common.HTTPClient(time.Minute),
		jar:    newSessionJar(),
	}
	c.client.Jar = c.jar

	baseURL := lflag.String("enocoo-url", "https://www.enocoo.com/dashboard", "Base URL of the enocoo dashboard")
	username := lflag.String("enocoo-username", "", "Username for the enocoo dashboard")
	password := lflag.String("enocoo-password", "", "Password for the enocoo dashboard")
	timezone := lflag.String("enocoo-timezone", "Europe/Berlin", "Time zone the enocoo dashboard reports dates in")

	lflag.Do(func() {
		c.baseURL = *baseURL
		c.username = *username
		c.password = *password
		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Errorf("failed to load enocoo-timezone %q: %w", *timezone, err))
		}
		c.location = loc
		if err := c.Validate(); err != nil {
			panic(err)
		}
	})
	return c
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.baseURL == "" {
		return errors.New("enocoo-url is required")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return fmt.Errorf("failed to parse enocoo url (%s): %w", c.baseURL, err)
	}
	if c.username == "" {
		return errors.New("enocoo-username is required")
	}
	if c.password == "" {
		return errors.New("enocoo-password is required")
	}
	return nil
}

// Location implements Source.
func (c *Client) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// ensureLogin will not login again if the session we have is still valid
func (c *Client) ensureLogin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}
	if err := c.login(ctx); err != nil {
		return err
	}
	c.loggedIn = true
	return nil
}

func (c *Client) invalidateSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedIn = false
	c.jar.reset()
}

func (c *Client) login(ctx context.Context) error {
	data := url.Values{}
	data.Set("username", c.username)
	data.Set("password", c.password)

	req, err := c.newPostFormRequest(ctx, loginPath, data)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %w", ErrConnection, err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
	case http.StatusUnauthorized, http.StatusForbidden:
		log.Ctx(ctx).WarnContext(ctx, "enocoo login rejected", slog.String("username", c.username))
		return ErrAuthenticationFailed
	default:
		return fmt.Errorf("%w: login status %d", ErrConnection, resp.StatusCode)
	}
	log.Ctx(ctx).DebugContext(ctx, "enocoo login success", slog.String("username", c.username))
	return nil
}

func (c *Client) endpointURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) newPostFormRequest(ctx context.Context, endpoint string, data url.Values) (*http.Request, error) {
	u, err := c.endpointURL(endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (c *Client) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := c.endpointURL(endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// doRequest performs a GET request and decodes the JSON body into dest.
func (c *Client) doRequest(req *http.Request, dest any) error {
	ctx := req.Context()
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}

	// we try up to 2 times because the session might have expired
	for i := 0; i < 2; i++ {
		// the client adds the jar's cookies to the request it is given
		resp, err := c.client.Do(req.Clone(ctx))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConnection, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("%w: reading body: %w", ErrConnection, err)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			if i > 0 {
				return fmt.Errorf("%w: session rejected after login", ErrAuthenticationFailed)
			}
			log.Ctx(ctx).DebugContext(ctx, "enocoo session expired", slog.String("path", req.URL.Path))
			c.invalidateSession()
			if err := c.ensureLogin(ctx); err != nil {
				return err
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			log.Ctx(ctx).ErrorContext(ctx, "enocoo api error", slog.Int("status", resp.StatusCode), slog.String("path", req.URL.Path))
			return fmt.Errorf("%w: status %d", ErrConnection, resp.StatusCode)
		}

		if dest == nil {
			return nil
		}
		if err := json.Unmarshal(body, dest); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode enocoo response", slog.Any("error", err), slog.String("body", string(body)))
			return fmt.Errorf("failed to decode enocoo response: %w", err)
		}
		return nil
	}
	return nil
}

func dateParams(interval types.Interval, during civil.Date) url.Values {
	params := url.Values{}
	params.Set("interval", string(interval))
	params.Set("date", during.String())
	return params
}
