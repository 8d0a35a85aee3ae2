// Package snsgateway implements the outbound Notifier over Amazon SNS.
// SMS and voice go straight to the phone number; email and in-app messages
// publish to per-channel topics. Non-critical channels are deferred during
// quiet hours and drained by FlushDeferred.
package snsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/ports"
)

type publishClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds the SNS wiring.
type Config struct {
	Region        string
	EmailTopicARN string
	InAppTopicARN string
	Timeout       time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Region:        defaultString(os.Getenv("DISPATCH_SNS_REGION"), defaultString(os.Getenv("AWS_REGION"), "me-south-1")),
		EmailTopicARN: os.Getenv("DISPATCH_SNS_EMAIL_TOPIC"),
		InAppTopicARN: os.Getenv("DISPATCH_SNS_INAPP_TOPIC"),
		Timeout:       10 * time.Second,
	}
}

type deferredMessage struct {
	send func(ctx context.Context) error
	desc string
}

// Gateway is the SNS-backed Notifier.
type Gateway struct {
	mu       sync.Mutex
	client   publishClient
	cfg      Config
	channels config.Channels
	quiet    config.QuietHours
	clock    ports.Clock
	log      *zap.Logger
	deferred []deferredMessage
}

func New(cfg Config, core config.Config, clock ports.Clock, log *zap.Logger) (*Gateway, error) {
	return NewWithClient(cfg, core, clock, log, nil)
}

// NewWithClient accepts an injected publish client for tests.
func NewWithClient(cfg Config, core config.Config, clock ports.Clock, log *zap.Logger, client publishClient) (*Gateway, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "me-south-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	core = core.Normalize()
	return &Gateway{
		client:   client,
		cfg:      cfg,
		channels: core.Channels,
		quiet:    core.QuietHours,
		clock:    clock,
		log:      log,
	}, nil
}

// SMS sends a text message, deferred during quiet hours.
func (g *Gateway) SMS(ctx context.Context, phone, message string) error {
	if !g.channels.SMS {
		return nil
	}
	send := func(ctx context.Context) error {
		return g.publish(ctx, &sns.PublishInput{
			PhoneNumber: &phone,
			Message:     &message,
			MessageAttributes: map[string]snstypes.MessageAttributeValue{
				"AWS.SNS.SMS.SMSType": stringAttr("Transactional"),
			},
		})
	}
	if g.deferIfQuiet(send, "sms to "+phone) {
		return nil
	}
	return send(ctx)
}

// Email publishes to the email fan-out topic, deferred during quiet hours.
func (g *Gateway) Email(ctx context.Context, to, subject, body string) error {
	if !g.channels.Email {
		return nil
	}
	if g.cfg.EmailTopicARN == "" {
		return ports.Ef(ports.KindUnavailable, "notify.email", "no email topic configured")
	}
	send := func(ctx context.Context) error {
		return g.publish(ctx, &sns.PublishInput{
			TopicArn: &g.cfg.EmailTopicARN,
			Subject:  &subject,
			Message:  &body,
			MessageAttributes: map[string]snstypes.MessageAttributeValue{
				"recipient": stringAttr(to),
			},
		})
	}
	if g.deferIfQuiet(send, "email to "+to) {
		return nil
	}
	return send(ctx)
}

// InApp publishes a payload to the in-app topic. In-app pushes are silent, so
// quiet hours do not apply.
func (g *Gateway) InApp(ctx context.Context, userID string, payload map[string]any) error {
	if !g.channels.InApp {
		return nil
	}
	if g.cfg.InAppTopicARN == "" {
		return ports.Ef(ports.KindUnavailable, "notify.inapp", "no in-app topic configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ports.E(ports.KindInvalid, "notify.inapp", err)
	}
	message := string(body)
	return g.publish(ctx, &sns.PublishInput{
		TopicArn: &g.cfg.InAppTopicARN,
		Message:  &message,
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"user_id": stringAttr(userID),
		},
	})
}

// Voice places a call. Calls are reserved for critical paths and are never
// deferred.
func (g *Gateway) Voice(ctx context.Context, phone, message string) error {
	if !g.channels.Voice {
		return nil
	}
	return g.publish(ctx, &sns.PublishInput{
		PhoneNumber: &phone,
		Message:     &message,
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"channel": stringAttr("voice"),
		},
	})
}

// FlushDeferred sends everything held back by quiet hours. Call it from the
// scheduler once the window ends.
func (g *Gateway) FlushDeferred(ctx context.Context) error {
	g.mu.Lock()
	pending := g.deferred
	g.deferred = nil
	g.mu.Unlock()

	var firstErr error
	for _, msg := range pending {
		if err := msg.send(ctx); err != nil {
			g.log.Warn("deferred notification failed", zap.String("message", msg.desc), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DeferredCount reports the quiet-hours backlog size.
func (g *Gateway) DeferredCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.deferred)
}

func (g *Gateway) deferIfQuiet(send func(ctx context.Context) error, desc string) bool {
	if !g.quiet.Contains(g.clock.Now().Hour()) {
		return false
	}
	g.mu.Lock()
	g.deferred = append(g.deferred, deferredMessage{send: send, desc: desc})
	g.mu.Unlock()
	return true
}

func (g *Gateway) publish(ctx context.Context, input *sns.PublishInput) error {
	client, err := g.resolveClient()
	if err != nil {
		return ports.E(ports.KindUnavailable, "notify.publish", err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	if _, err := client.Publish(ctx, input); err != nil {
		return normalizeSNSError(err)
	}
	return nil
}

func normalizeSNSError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ports.E(ports.KindTransient, "notify.publish", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttled", "ThrottledException", "InternalError", "ServiceUnavailable":
			return ports.E(ports.KindTransient, "notify.publish", err)
		case "InvalidParameter", "InvalidParameterValue":
			return ports.E(ports.KindInvalid, "notify.publish", err)
		default:
			return ports.E(ports.KindUnavailable, "notify.publish", err)
		}
	}
	return ports.E(ports.KindTransient, "notify.publish", err)
}

func (g *Gateway) resolveClient() (publishClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(g.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	g.client = sns.NewFromConfig(awsCfg)
	return g.client, nil
}

func stringAttr(v string) snstypes.MessageAttributeValue {
	dataType := "String"
	return snstypes.MessageAttributeValue{DataType: &dataType, StringValue: &v}
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
