package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/1ureka/roomlink/internal/api"
	"github.com/1ureka/roomlink/internal/config"
	"github.com/1ureka/roomlink/internal/dedup"
	"github.com/1ureka/roomlink/internal/media"
	"github.com/1ureka/roomlink/internal/signaling"
	"github.com/1ureka/roomlink/internal/transport"
	"github.com/1ureka/roomlink/internal/util"
)

// Open builds a session from configuration: REST client and credentials,
// the dedup store (Redis when configured), the signaling client, the pion
// API and the local capture devices.
func Open(ctx context.Context, cfg *config.Config, devices ...media.Device) (*Session, error) {
	var deps Deps

	var tokens signaling.CredentialSource
	if cfg.API.BaseURL != "" {
		client := api.New(cfg.API.BaseURL, cfg.API.Timeout, cfg.API.AccessToken, cfg.API.RefreshToken)
		deps.Backend = client
		tokens = client.Tokens()
	} else {
		tokens = staticCredential(cfg.API.AccessToken)
	}

	var store dedup.Store
	if cfg.Dedup.RedisAddr != "" {
		rs, err := dedup.NewRedisStore(ctx, dedup.RedisOptions{
			Addr:      cfg.Dedup.RedisAddr,
			Password:  cfg.Dedup.RedisPassword,
			DB:        cfg.Dedup.RedisDB,
			RoomID:    cfg.Room.ID,
			UserID:    cfg.Room.UserID,
			SessionID: uuid.NewString(),
			TTL:       cfg.Dedup.TTL,
		})
		if err != nil {
			util.LogWarning("shared dedup store unavailable, using memory: %v", err)
		} else {
			store = rs
			deps.Closers = append(deps.Closers, rs.Close)
		}
	}
	filter := dedup.New(store)

	deps.Signaler = signaling.NewClient(signaling.Options{
		URL:            cfg.Signaling.URL,
		ReconnectDelay: cfg.Signaling.ReconnectDelay,
		WriteTimeout:   cfg.Signaling.WriteTimeout,
		Credentials:    tokens,
		Filter:         filter.Accept,
	})

	rtcAPI, err := transport.NewAPI(transport.Options{
		UDPPortMin: cfg.WebRTC.UDPPortMin,
		UDPPortMax: cfg.WebRTC.UDPPortMax,
	})
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}

	if len(devices) == 0 {
		devices = []media.Device{media.SilenceDevice{}}
	}
	deps.Local = media.NewLocalMedia(devices...)

	servers := transport.ICEServers(cfg.WebRTC.ICEServers, cfg.WebRTC.ICEUsername, cfg.WebRTC.ICECredential)
	deps.Dialer = transport.NewDialer(rtcAPI, servers, deps.Local)

	return New(cfg, deps), nil
}

// staticCredential serves a fixed access token when no REST backend is
// configured to refresh it.
type staticCredential string

func (c staticCredential) Credential(context.Context) (string, error) {
	if c == "" {
		return "", api.ErrNoCredential
	}
	return string(c), nil
}
