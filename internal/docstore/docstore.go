// Package docstore is the document-store mirror for the opaque,
// schema-less JSON that the relational Store refuses to model as columns:
// a bot's raw ai_settings blob (passed through verbatim to whichever LLM
// provider understands it) and transcript snapshots kept for support
// review. Adapted from the teacher's internal/database.MongoDB: same
// connect-per-call pattern, generalized from one hardcoded user/checkout
// collection set to these two.
package docstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	collectionAISettings = "ai_settings"
	collectionTranscript = "conversation_transcripts"
)

// Config is the subset of connection parameters the docstore needs; kept
// separate from internal/config.Config so this package has no import on it.
type Config struct {
	Enabled  bool
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

type Store struct {
	ctx     context.Context
	opts    *options.ClientOptions
	dbName  string
	enabled bool
}

func New(cfg Config) *Store {
	if !cfg.Enabled {
		return &Store{enabled: false}
	}
	uri := fmt.Sprintf("mongodb://%s:%s", cfg.Host, cfg.Port)
	clientOpts := options.Client().ApplyURI(uri)
	if cfg.User != "" {
		clientOpts.SetAuth(options.Credential{
			Username:   cfg.User,
			Password:   cfg.Password,
			AuthSource: cfg.Database,
		})
	}
	return &Store{
		ctx:     context.Background(),
		opts:    clientOpts,
		dbName:  cfg.Database,
		enabled: true,
	}
}

func (s *Store) connect() (*mongo.Client, error) {
	client, err := mongo.Connect(s.ctx, s.opts)
	if err != nil {
		return nil, fmt.Errorf("docstore connect: %w", err)
	}
	return client, nil
}

func (s *Store) disconnect(client *mongo.Client) {
	_ = client.Disconnect(s.ctx)
}

type aiSettingsDoc struct {
	BotId string `bson:"bot_id"`
	JSON  string `bson:"json"`
}

// SaveAISettings mirrors a bot's raw ai_settings JSON blob, replacing any
// prior copy. A no-op when Mongo isn't configured, since ai_settings is an
// optional enrichment on top of the fields the relational Store already
// covers (model/provider/prompt).
func (s *Store) SaveAISettings(botId, rawJSON string) error {
	if !s.enabled {
		return nil
	}
	if !gjson.Valid(rawJSON) {
		return fmt.Errorf("ai_settings for bot %s is not valid json", botId)
	}
	client, err := s.connect()
	if err != nil {
		return err
	}
	defer s.disconnect(client)

	collection := client.Database(s.dbName).Collection(collectionAISettings)
	_, err = collection.UpdateOne(s.ctx,
		bson.D{{Key: "bot_id", Value: botId}},
		bson.D{{Key: "$set", Value: aiSettingsDoc{BotId: botId, JSON: rawJSON}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save ai_settings for bot %s: %w", botId, err)
	}
	return nil
}

// GetAISettings returns the stored blob, or "" if Mongo is disabled or no
// document exists yet.
func (s *Store) GetAISettings(botId string) (string, error) {
	if !s.enabled {
		return "", nil
	}
	client, err := s.connect()
	if err != nil {
		return "", err
	}
	defer s.disconnect(client)

	var doc aiSettingsDoc
	collection := client.Database(s.dbName).Collection(collectionAISettings)
	err = collection.FindOne(s.ctx, bson.D{{Key: "bot_id", Value: botId}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get ai_settings for bot %s: %w", botId, err)
	}
	return doc.JSON, nil
}

// PatchAISettingsField sets a single dotted path inside the stored blob
// without round-tripping through a Go struct, using sjson/gjson the way an
// admin-panel PATCH endpoint would against an opaque settings document.
func (s *Store) PatchAISettingsField(botId, path string, value any) error {
	current, err := s.GetAISettings(botId)
	if err != nil {
		return err
	}
	if current == "" {
		current = "{}"
	}
	updated, err := sjson.Set(current, path, value)
	if err != nil {
		return fmt.Errorf("patch ai_settings.%s for bot %s: %w", path, botId, err)
	}
	return s.SaveAISettings(botId, updated)
}

// AISettingsField reads a single dotted path out of the stored blob, used by
// the Conversation Bridge to pull provider-specific knobs (enable_file_search,
// vector_store_id) the relational schema never names.
func (s *Store) AISettingsField(botId, path string) (gjson.Result, error) {
	raw, err := s.GetAISettings(botId)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.Get(raw, path), nil
}

type transcriptDoc struct {
	BotId    string `bson:"bot_id"`
	UserId   int64  `bson:"user_id"`
	Role     string `bson:"role"`
	Content  string `bson:"content"`
	SentUnix int64  `bson:"sent_unix"`
}

// AppendTranscript records one turn of a conversation for support review.
// Never read back by the Conversation Bridge itself — provider thread
// continuity goes through entity.Conversation.ResponseId in the relational
// Store — this is purely an operator-facing audit trail.
func (s *Store) AppendTranscript(botId string, userId int64, role, content string, sentUnix int64) error {
	if !s.enabled {
		return nil
	}
	client, err := s.connect()
	if err != nil {
		return err
	}
	defer s.disconnect(client)

	collection := client.Database(s.dbName).Collection(collectionTranscript)
	_, err = collection.InsertOne(s.ctx, transcriptDoc{
		BotId: botId, UserId: userId, Role: role, Content: content, SentUnix: sentUnix,
	})
	if err != nil {
		return fmt.Errorf("append transcript %s/%d: %w", botId, userId, err)
	}
	return nil
}
