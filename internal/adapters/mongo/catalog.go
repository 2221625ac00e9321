package mongo

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
	"github.com/robertarktes/ticketing-checkout/internal/pricing"
)

// PromotionCatalog serves promo codes and subscriber flags to the pricing
// catalog. Marketing tools own both collections.
type PromotionCatalog struct {
	promotions  *mongo.Collection
	subscribers *mongo.Collection
	logger      observability.Logger
}

func NewPromotionCatalog(db *mongo.Database, logger observability.Logger) *PromotionCatalog {
	return &PromotionCatalog{
		promotions:  db.Collection("promotions"),
		subscribers: db.Collection("subscribers"),
		logger:      logger,
	}
}

// PromotionDoc keeps money as strings so no precision is lost in BSON doubles.
type PromotionDoc struct {
	Code         string    `bson:"_id"`
	Percent      string    `bson:"percent,omitempty"`
	Amount       string    `bson:"amount,omitempty"`
	TicketTypeID string    `bson:"ticket_type_id,omitempty"`
	ValidFrom    time.Time `bson:"valid_from,omitempty"`
	ValidUntil   time.Time `bson:"valid_until,omitempty"`
	Active       bool      `bson:"active"`
}

type SubscriberDoc struct {
	UserID     string `bson:"_id"`
	Subscribed bool   `bson:"subscribed"`
}

func (d PromotionDoc) toPromotion() (pricing.Promotion, error) {
	p := pricing.Promotion{
		Code:       d.Code,
		ValidFrom:  d.ValidFrom,
		ValidUntil: d.ValidUntil,
		Active:     d.Active,
	}
	var err error
	if d.Percent != "" {
		if p.Percent, err = decimal.NewFromString(d.Percent); err != nil {
			return pricing.Promotion{}, errors.Wrapf(err, "promotion %s percent", d.Code)
		}
	}
	if d.Amount != "" {
		if p.Amount, err = decimal.NewFromString(d.Amount); err != nil {
			return pricing.Promotion{}, errors.Wrapf(err, "promotion %s amount", d.Code)
		}
	}
	if d.TicketTypeID != "" {
		if p.TicketTypeID, err = uuid.Parse(d.TicketTypeID); err != nil {
			return pricing.Promotion{}, errors.Wrapf(err, "promotion %s ticket type", d.Code)
		}
	}
	return p, nil
}

func promotionDoc(p pricing.Promotion) PromotionDoc {
	d := PromotionDoc{
		Code:       strings.ToUpper(p.Code),
		ValidFrom:  p.ValidFrom,
		ValidUntil: p.ValidUntil,
		Active:     p.Active,
	}
	if !p.Percent.IsZero() {
		d.Percent = p.Percent.String()
	}
	if !p.Amount.IsZero() {
		d.Amount = p.Amount.String()
	}
	if p.TicketTypeID != uuid.Nil {
		d.TicketTypeID = p.TicketTypeID.String()
	}
	return d
}

func (c *PromotionCatalog) FindPromotion(ctx context.Context, code string) (pricing.Promotion, error) {
	var doc PromotionDoc
	err := c.promotions.FindOne(ctx, bson.M{"_id": strings.ToUpper(code)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return pricing.Promotion{}, domain.ErrNotFound
	}
	if err != nil {
		c.logger.WithError(err).WithField("code", code).Error("failed to get promotion")
		return pricing.Promotion{}, errors.Wrap(err, "find promotion")
	}
	return doc.toPromotion()
}

func (c *PromotionCatalog) IsSubscriber(ctx context.Context, userID uuid.UUID) (bool, error) {
	var doc SubscriberDoc
	err := c.subscribers.FindOne(ctx, bson.M{"_id": userID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "find subscriber")
	}
	return doc.Subscribed, nil
}

func (c *PromotionCatalog) PutPromotion(ctx context.Context, p pricing.Promotion) error {
	doc := promotionDoc(p)
	_, err := c.promotions.ReplaceOne(ctx, bson.M{"_id": doc.Code}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		c.logger.WithError(err).WithField("code", doc.Code).Error("failed to save promotion")
		return errors.Wrap(err, "save promotion")
	}
	return nil
}

func (c *PromotionCatalog) SetSubscriber(ctx context.Context, userID uuid.UUID, subscribed bool) error {
	_, err := c.subscribers.UpdateOne(ctx,
		bson.M{"_id": userID.String()},
		bson.M{"$set": bson.M{"subscribed": subscribed}},
		options.Update().SetUpsert(true),
	)
	return errors.Wrap(err, "save subscriber")
}
