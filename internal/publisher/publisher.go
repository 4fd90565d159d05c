// Package publisher executes the publish attempt for one post against its
// target accounts: decrypt credentials, refresh stale tokens, call the
// platform connector, and write the outcome back to the store. Errors are
// recorded as data on the post and target rows, not propagated.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/marqly/publisher/internal/models"
	"github.com/marqly/publisher/internal/platform"
	"github.com/marqly/publisher/internal/repository"
	"github.com/marqly/publisher/pkg/utils"
)

const (
	// Stored error text is bounded so a platform's HTML error page cannot
	// bloat the row.
	maxErrorLen = 500

	// Tokens expiring within the skew are refreshed proactively instead of
	// gambling on the publish call.
	refreshSkew = 2 * time.Minute
)

type MediaResolver interface {
	Resolve(ctx context.Context, keys []string) ([]platform.Media, error)
}

type Publisher struct {
	pr       repository.PostRepository
	tr       repository.TargetRepository
	ar       repository.SocialAccountRepository
	registry *platform.Registry
	cipher   *utils.Cipher
	media    MediaResolver
}

func New(
	pr repository.PostRepository,
	tr repository.TargetRepository,
	ar repository.SocialAccountRepository,
	registry *platform.Registry,
	cipher *utils.Cipher,
	media MediaResolver) *Publisher {
	return &Publisher{
		pr:       pr,
		tr:       tr,
		ar:       ar,
		registry: registry,
		cipher:   cipher,
		media:    media,
	}
}

// PublishPost runs the per-target procedure for every unpublished target of
// the post and rolls the outcomes up into the post status: published when at
// least one target reached its audience, failed only when all of them failed.
func (p *Publisher) PublishPost(ctx context.Context, post *models.ScheduledPost) error {
	now := time.Now()
	claimed, err := p.pr.SetPublishAttempted(ctx, post.ID, now)
	if err != nil {
		return err
	}
	if !claimed {
		// The row moved on (cancelled, or claimed by another publisher)
		// between the due read and here; our snapshot is stale.
		slog.Info("post no longer scheduled, skipping publish", "post_id", post.ID)
		return nil
	}
	post.Status = models.PostStatusPublishing

	if post.Targets == nil {
		targets, err := p.tr.ListByPostID(ctx, post.ID)
		if err != nil {
			return err
		}
		post.Targets = targets
	}

	var succeeded int
	var failures []string

	for _, target := range post.Targets {
		if target.IsPublished {
			succeeded++
			continue
		}

		err := p.attemptTarget(ctx, post, target)
		if err != nil {
			failures = append(failures, fmt.Sprintf("target %d: %s", target.ID, truncateError(err.Error())))
			continue
		}
		succeeded++
	}

	status := models.PostStatusPublished
	errText := ""
	switch {
	case len(failures) == 0:
	case succeeded > 0:
		errText = truncateError(fmt.Sprintf("partial failure: %s", strings.Join(failures, "; ")))
	default:
		status = models.PostStatusFailed
		errText = truncateError(fmt.Sprintf("all targets failed: %s", strings.Join(failures, "; ")))
	}

	if err := p.pr.UpdateOutcome(ctx, post.ID, status, errText, time.Now()); err != nil {
		return err
	}
	post.Status = status

	slog.Info("post publish finished",
		"post_id", post.ID, "status", status,
		"succeeded", succeeded, "failed", len(failures))
	return nil
}

// attemptTarget wraps PublishTarget with a panic boundary; one target's
// unexpected panic must not stop the remaining targets of the same post.
func (p *Publisher) attemptTarget(ctx context.Context, post *models.ScheduledPost, target *models.PostTarget) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected panic: %v", r)
			slog.Error("panic while publishing target", "target_id", target.ID, "panic", fmt.Sprint(r))
			if setErr := p.tr.SetError(ctx, target.ID, truncateError(err.Error())); setErr != nil {
				slog.Info(setErr.Error())
			}
		}
	}()
	return p.PublishTarget(ctx, post, target)
}

// PublishTarget runs one (post, account) publish attempt. Calling it on an
// already-published target is a no-op; the connector is never hit twice for
// the same target.
func (p *Publisher) PublishTarget(ctx context.Context, post *models.ScheduledPost, target *models.PostTarget) error {
	if target.IsPublished {
		return nil
	}

	account := target.Account
	if account == nil {
		var err error
		account, err = p.ar.GetByID(ctx, target.AccountID)
		if err != nil {
			return p.failTarget(ctx, target, fmt.Errorf("load account: %w", err))
		}
		if account == nil {
			return p.failTarget(ctx, target, fmt.Errorf("social account %d not found", target.AccountID))
		}
		target.Account = account
	}

	conn, err := p.registry.Get(account.Platform)
	if err != nil {
		return p.failTarget(ctx, target, err)
	}

	creds, err := p.decryptCredentials(account)
	if err != nil {
		return p.failTarget(ctx, target, fmt.Errorf("decrypt credentials: %w", err))
	}

	if account.TokenExpired(time.Now(), refreshSkew) {
		if err := p.refreshCredentials(ctx, conn, account, &creds); err != nil {
			// Known-expired token: do not attempt the publish.
			return p.failTarget(ctx, target, fmt.Errorf("re-authentication required: %w", err))
		}
	}

	var result *platform.Result
	if len(post.MediaKeys) > 0 {
		media, err := p.media.Resolve(ctx, post.MediaKeys)
		if err != nil {
			return p.failTarget(ctx, target, fmt.Errorf("resolve media: %w", err))
		}
		result, err = conn.PostWithMedia(ctx, creds, post.Content, media)
		if err != nil {
			return p.failTarget(ctx, target, err)
		}
	} else {
		result, err = conn.PostText(ctx, creds, post.Content)
		if err != nil {
			return p.failTarget(ctx, target, err)
		}
	}

	publishedAt := time.Now()
	if err := p.tr.MarkPublished(ctx, target.ID, result.PostID, result.PostURL, publishedAt); err != nil {
		return err
	}

	target.IsPublished = true
	target.PlatformPostID.String = result.PostID
	target.PlatformPostID.Valid = true
	target.PlatformPostURL.String = result.PostURL
	target.PlatformPostURL.Valid = result.PostURL != ""
	target.LastError.Valid = false
	target.LastError.String = ""
	target.PublishedAt.Time = publishedAt
	target.PublishedAt.Valid = true

	slog.Info("target published",
		"target_id", target.ID, "platform", account.Platform, "platform_post_id", result.PostID)
	return nil
}

func (p *Publisher) decryptCredentials(account *models.SocialAccount) (platform.Credentials, error) {
	accessToken, err := p.cipher.Decrypt(account.AccessToken)
	if err != nil {
		return platform.Credentials{}, err
	}

	creds := platform.Credentials{
		AccountID:   account.AccountID,
		AccessToken: accessToken,
	}
	if account.RefreshToken.Valid {
		refreshToken, err := p.cipher.Decrypt(account.RefreshToken.String)
		if err != nil {
			return platform.Credentials{}, err
		}
		creds.RefreshToken = refreshToken
	}
	if account.TokenExpiresAt.Valid {
		creds.ExpiresAt = account.TokenExpiresAt.Time
	}
	return creds, nil
}

// refreshCredentials refreshes through the connector and persists the new
// encrypted tokens before the caller proceeds with the publish.
func (p *Publisher) refreshCredentials(ctx context.Context, conn platform.Connector, account *models.SocialAccount, creds *platform.Credentials) error {
	refreshed, err := conn.RefreshToken(ctx, *creds)
	if err != nil {
		return err
	}

	encryptedAccess, err := p.cipher.Encrypt(refreshed.AccessToken)
	if err != nil {
		return err
	}
	encryptedRefresh := ""
	if refreshed.RefreshToken != "" {
		encryptedRefresh, err = p.cipher.Encrypt(refreshed.RefreshToken)
		if err != nil {
			return err
		}
	}

	if err := p.ar.SetToken(ctx, account.ID, encryptedAccess, encryptedRefresh, refreshed.ExpiresAt); err != nil {
		return fmt.Errorf("persist refreshed token: %w", err)
	}

	account.AccessToken = encryptedAccess
	if encryptedRefresh != "" {
		account.RefreshToken.String = encryptedRefresh
		account.RefreshToken.Valid = true
	}
	account.TokenExpiresAt.Time = refreshed.ExpiresAt
	account.TokenExpiresAt.Valid = !refreshed.ExpiresAt.IsZero()

	*creds = *refreshed
	slog.Info("refreshed expired token before publish", "account_id", account.ID, "platform", account.Platform)
	return nil
}

// failTarget records the error on the target row and returns it to the
// per-post rollup. Rate limits get a distinct marker in the stored text.
func (p *Publisher) failTarget(ctx context.Context, target *models.PostTarget, cause error) error {
	message := cause.Error()
	if errors.Is(cause, platform.ErrRateLimited) {
		message = "rate limited: " + message
		slog.Warn("target rate limited", "target_id", target.ID)
	} else {
		slog.Warn("target publish failed", "target_id", target.ID, "error", message)
	}
	message = truncateError(message)

	if err := p.tr.SetError(ctx, target.ID, message); err != nil {
		slog.Info(err.Error())
	}
	target.LastError.String = message
	target.LastError.Valid = true
	return cause
}

func truncateError(message string) string {
	if len(message) <= maxErrorLen {
		return message
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
