package portal

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/codes"
)

const signInPath = "/users/sign_in"

// Login scrapes the sign-in page for an authenticity token and posts the
// credentials with it. A non-200 final status is a failed login; the caller
// decides whether and when to try again.
func (c *Client) Login(ctx context.Context) (*Session, error) {
	ctx, span := tracer.Start(ctx, "portal.Login")
	defer span.End()

	sess, err := c.login(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		return nil, err
	}
	return sess, nil
}

func (c *Client) login(ctx context.Context) (*Session, error) {
	hc, err := c.newHTTP()
	if err != nil {
		return nil, transportErr("login", 0, err)
	}
	log := c.opts.Logger

	res, err := hc.R().SetContext(ctx).Get(signInPath)
	if err != nil {
		return nil, transportErr("login", 0, fmt.Errorf("sign-in page request: %w", err))
	}
	if res.StatusCode() != http.StatusOK {
		return nil, loginStatusErr(res.StatusCode())
	}
	token, err := scrapeAuthenticityToken(res.Body())
	if err != nil {
		return nil, transportErr("login", res.StatusCode(), err)
	}

	res, err = hc.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"user[email]":        c.opts.Username,
			"user[password]":     c.opts.Password,
			"policy_confirmed":   "1",
			"authenticity_token": token,
		}).
		Post(signInPath)
	if err != nil {
		return nil, transportErr("login", 0, fmt.Errorf("credentials request: %w", err))
	}
	if res.StatusCode() != http.StatusOK {
		return nil, loginStatusErr(res.StatusCode())
	}

	log.Info("logged in")
	return &Session{http: hc, opts: c.opts, log: log}, nil
}

func loginStatusErr(status int) *Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindBlocked, Op: "login", Status: status}
	}
	return statusErr("login", status)
}

// scrapeAuthenticityToken returns the page's authenticity token. Pages may
// render the hidden input more than once; the first distinct value wins.
func scrapeAuthenticityToken(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}

	var tokens []string
	seen := map[string]bool{}
	doc.Find("input[name=authenticity_token]").Each(func(_ int, sel *goquery.Selection) {
		v := sel.AttrOr("value", "")
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		tokens = append(tokens, v)
	})
	if len(tokens) == 0 {
		return "", ErrNoAuthenticityToken
	}
	return tokens[0], nil
}
