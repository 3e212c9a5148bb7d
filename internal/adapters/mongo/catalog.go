package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CatalogRepository serves event types and the weekly availability of
// experts.
type CatalogRepository struct {
	eventTypes   *mongo.Collection
	availability *mongo.Collection
	logger       observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		eventTypes:   db.Collection("event_types"),
		availability: db.Collection("availability"),
		logger:       logger,
	}
}

type EventTypeDoc struct {
	ID              string    `bson:"_id"`
	ExpertID        string    `bson:"expert_id"`
	Title           string    `bson:"title"`
	DurationMinutes int       `bson:"duration_minutes"`
	PriceAmount     int64     `bson:"price_amount"`
	Currency        string    `bson:"currency"`
	Active          bool      `bson:"active"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

type AvailabilityDoc struct {
	ExpertID  string      `bson:"_id"`
	Timezone  string      `bson:"timezone"`
	Windows   []WindowDoc `bson:"windows"`
	UpdatedAt time.Time   `bson:"updated_at"`
}

type WindowDoc struct {
	Weekday     int `bson:"weekday"`
	StartMinute int `bson:"start_minute"`
	EndMinute   int `bson:"end_minute"`
}

func (d EventTypeDoc) toDomain() (*domain.EventType, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "event type id %q", d.ID)
	}
	return &domain.EventType{
		ID:              id,
		ExpertID:        d.ExpertID,
		Title:           d.Title,
		DurationMinutes: d.DurationMinutes,
		PriceAmount:     d.PriceAmount,
		Currency:        d.Currency,
		Active:          d.Active,
	}, nil
}

// EventType returns domain.ErrEventNotFound for unknown ids.
func (c *CatalogRepository) EventType(ctx context.Context, id uuid.UUID) (*domain.EventType, error) {
	var doc EventTypeDoc
	err := c.eventTypes.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(domain.ErrEventNotFound, "event type %s", id)
	}
	if err != nil {
		c.logger.WithField("event_type_id", id).Error("failed to get event type: ", err)
		return nil, errors.Wrapf(err, "get event type %s", id)
	}
	return doc.toDomain()
}

func (c *CatalogRepository) UpsertEventType(ctx context.Context, et domain.EventType) error {
	now := time.Now().UTC()
	_, err := c.eventTypes.UpdateOne(ctx,
		bson.M{"_id": et.ID.String()},
		bson.M{
			"$set": bson.M{
				"expert_id":        et.ExpertID,
				"title":            et.Title,
				"duration_minutes": et.DurationMinutes,
				"price_amount":     et.PriceAmount,
				"currency":         et.Currency,
				"active":           et.Active,
				"updated_at":       now,
			},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		c.logger.WithField("event_type_id", et.ID).Error("failed to upsert event type: ", err)
		return errors.Wrapf(err, "upsert event type %s", et.ID)
	}
	return nil
}

// Availability returns the expert's weekly schedule. An expert without a
// schedule has no bookable windows.
func (c *CatalogRepository) Availability(ctx context.Context, expertID string) (domain.Availability, error) {
	var doc AvailabilityDoc
	err := c.availability.FindOne(ctx, bson.M{"_id": expertID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Availability{ExpertID: expertID}, nil
	}
	if err != nil {
		c.logger.WithField("expert_id", expertID).Error("failed to get availability: ", err)
		return domain.Availability{}, errors.Wrapf(err, "get availability of %s", expertID)
	}
	a := domain.Availability{ExpertID: expertID, Timezone: doc.Timezone}
	for _, w := range doc.Windows {
		a.Windows = append(a.Windows, domain.WeeklyWindow{
			Weekday:     time.Weekday(w.Weekday),
			StartMinute: w.StartMinute,
			EndMinute:   w.EndMinute,
		})
	}
	return a, nil
}

func (c *CatalogRepository) SetAvailability(ctx context.Context, a domain.Availability) error {
	doc := AvailabilityDoc{ExpertID: a.ExpertID, Timezone: a.Timezone, UpdatedAt: time.Now().UTC()}
	for _, w := range a.Windows {
		doc.Windows = append(doc.Windows, WindowDoc{Weekday: int(w.Weekday), StartMinute: w.StartMinute, EndMinute: w.EndMinute})
	}
	_, err := c.availability.ReplaceOne(ctx, bson.M{"_id": a.ExpertID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		c.logger.WithField("expert_id", a.ExpertID).Error("failed to set availability: ", err)
		return errors.Wrapf(err, "set availability of %s", a.ExpertID)
	}
	return nil
}
