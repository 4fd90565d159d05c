package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marqly/publisher/internal/models"
	"github.com/marqly/publisher/internal/platform"
	"github.com/marqly/publisher/internal/repository"
	"github.com/marqly/publisher/pkg/utils"
)

// TokenRefreshJob proactively refreshes tokens expiring in the next half
// hour so most publish attempts never hit the in-line refresh path.
type TokenRefreshJob struct {
	sr       repository.SocialAccountRepository
	registry *platform.Registry
	cipher   *utils.Cipher
}

func NewTokenRefreshJob(sr repository.SocialAccountRepository, registry *platform.Registry, cipher *utils.Cipher) *TokenRefreshJob {
	return &TokenRefreshJob{
		sr:       sr,
		registry: registry,
		cipher:   cipher,
	}
}

func (c *TokenRefreshJob) RefreshTokens() {
	ctx := context.Background()

	currentTime := time.Now()
	timeIn30Minutes := currentTime.Add(30 * time.Minute)

	accounts, err := c.sr.ListByTimeInterval(ctx, currentTime, timeIn30Minutes)
	if err != nil {
		slog.Info(err.Error())
		return
	}

	var wg sync.WaitGroup

	concurrencyLimit := 10
	semaphore := make(chan struct{}, concurrencyLimit)

	for _, acc := range accounts {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(acc *models.SocialAccount) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if err := c.refreshAccount(ctx, acc); err != nil {
				slog.Warn("unable to refresh token", "account_id", acc.ID, "platform", acc.Platform, "error", err.Error())
			}
		}(acc)
	}

	wg.Wait()
}

func (c *TokenRefreshJob) refreshAccount(ctx context.Context, acc *models.SocialAccount) error {
	conn, err := c.registry.Get(acc.Platform)
	if err != nil {
		return err
	}

	accessToken, err := c.cipher.Decrypt(acc.AccessToken)
	if err != nil {
		return err
	}

	creds := platform.Credentials{
		AccountID:   acc.AccountID,
		AccessToken: accessToken,
	}
	if acc.RefreshToken.Valid {
		refreshToken, err := c.cipher.Decrypt(acc.RefreshToken.String)
		if err != nil {
			return err
		}
		creds.RefreshToken = refreshToken
	}

	refreshed, err := conn.RefreshToken(ctx, creds)
	if err != nil {
		return err
	}

	encryptedAccess, err := c.cipher.Encrypt(refreshed.AccessToken)
	if err != nil {
		return err
	}
	encryptedRefresh := ""
	if refreshed.RefreshToken != "" {
		encryptedRefresh, err = c.cipher.Encrypt(refreshed.RefreshToken)
		if err != nil {
			return err
		}
	}

	return c.sr.SetToken(ctx, acc.ID, encryptedAccess, encryptedRefresh, refreshed.ExpiresAt)
}
