package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/ent0n29/goose-companion/internal/activity"
	"github.com/ent0n29/goose-companion/internal/config"
	"github.com/ent0n29/goose-companion/internal/goose"
	"github.com/ent0n29/goose-companion/internal/httpapi"
	"github.com/ent0n29/goose-companion/internal/logging"
	"github.com/ent0n29/goose-companion/internal/observability"
	"github.com/ent0n29/goose-companion/internal/secrets"
	"github.com/ent0n29/goose-companion/internal/session"
	"github.com/ent0n29/goose-companion/internal/transcript"
	"github.com/ent0n29/goose-companion/internal/voice"
)

type BuildResult struct {
	Config         config.Config
	API            *httpapi.Server
	Directory      *session.Directory
	Classifier     *activity.Classifier
	Voice          *voice.SessionRunner
	Metrics        *observability.Metrics
	TranscriptMode string

	// Cleanup releases external resources (DB pools) on shutdown.
	Cleanup func() error
}

// Build wires the service from cfg. AWS configuration is loaded only when
// an SSM secret or the DynamoDB transcript store is requested.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	log := logging.Named("app")
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	var (
		awsOnce sync.Once
		awsCfg  aws.Config
		awsErr  error
	)
	loadAWS := func() (aws.Config, error) {
		awsOnce.Do(func() {
			awsCfg, awsErr = awsconfig.LoadDefaultConfig(ctx)
			if awsErr != nil {
				awsErr = fmt.Errorf("load aws config: %w", awsErr)
			}
		})
		return awsCfg, awsErr
	}

	secretKey := cfg.GooseSecretKey
	if secretKey == "" && cfg.GooseSecretKeySSMParam != "" {
		ac, err := loadAWS()
		if err != nil {
			return nil, err
		}
		params, err := secrets.NewParamStore(awsssm.NewFromConfig(ac))
		if err != nil {
			return nil, err
		}
		secretKey, err = secrets.Resolve(ctx, params, "", cfg.GooseSecretKeySSMParam)
		if err != nil {
			return nil, fmt.Errorf("resolve goose secret: %w", err)
		}
		log.Infow("goose secret loaded from ssm", "param", cfg.GooseSecretKeySSMParam)
	}

	client := goose.NewClient(goose.Config{BaseURL: cfg.GooseBaseURL, SecretKey: secretKey})

	storeOpts := transcript.Options{
		Kind:          cfg.TranscriptStore,
		DatabaseURL:   cfg.DatabaseURL,
		DynamoDBTable: cfg.TranscriptDynamoDBTable,
	}
	transcriptMode := storeOpts.ResolvedKind()
	if transcriptMode == "dynamodb" {
		ac, err := loadAWS()
		if err != nil {
			return nil, err
		}
		storeOpts.DynamoDB = awsdynamodb.NewFromConfig(ac)
	}
	store, err := transcript.NewStore(ctx, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	classifier := activity.NewClassifier(client, activity.Config{
		Thresholds: activity.Thresholds{
			Active: cfg.ActivityActiveThreshold,
			Idle:   cfg.ActivityIdleThreshold,
		},
		CacheTTL:     cfg.ActivityCacheTTL,
		ProbeTimeout: cfg.ActivityProbeTimeout,
		Workers:      cfg.ActivityProbeWorkers,
	}, metrics)

	directory := session.NewDirectory(client)
	directory.SetRefreshHook(invalidateChanged(classifier.Invalidate))

	runner := voice.NewSessionRunner(voice.RunnerDeps{
		Agent:        client,
		Store:        store,
		Metrics:      metrics,
		TurnFinished: classifier.Invalidate,
	}, voice.RunnerConfig{
		Controller: voice.Config{
			SilenceThreshold: cfg.VoiceSilenceThreshold,
			StopWordThrottle: cfg.VoiceStopWordThrottle,
			SpeakSettle:      cfg.VoiceSpeakSettle,
			InterruptSettle:  cfg.VoiceInterruptSettle,
			AuthRetryDelay:   cfg.VoiceAuthRetryDelay,
			StopWords:        cfg.VoiceStopWords,
		},
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:       directory,
		Classifier:     classifier,
		Transcripts:    store,
		TranscriptMode: transcriptMode,
		Voice:          runner,
		Metrics:        metrics,
	})

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:         cfg,
		API:            api,
		Directory:      directory,
		Classifier:     classifier,
		Voice:          runner,
		Metrics:        metrics,
		TranscriptMode: transcriptMode,
		Cleanup:        cleanup,
	}, nil
}

// invalidateChanged drops cached statuses for sessions whose update time
// moved since the previous refresh.
func invalidateChanged(invalidate func(sessionID string)) func([]session.Session) {
	var (
		mu   sync.Mutex
		seen = map[string]string{}
	)
	return func(list []session.Session) {
		mu.Lock()
		defer mu.Unlock()
		next := make(map[string]string, len(list))
		for _, s := range list {
			if prev, ok := seen[s.ID]; ok && prev != s.UpdatedAt {
				invalidate(s.ID)
			}
			next[s.ID] = s.UpdatedAt
		}
		seen = next
	}
}
