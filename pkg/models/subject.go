package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Subject is the minimal projection of a wardrobe item or outfit needed to
// build an inference request. Exactly one of Item / Outfit is set, matching Ref.TaskType.
type Subject struct {
	Ref    SubjectRef
	Item   *ItemProjection
	Outfit *OutfitProjection
}

// ItemProjection is what clothing classification reads from a wardrobe item.
type ItemProjection struct {
	ImageURL string
}

// OutfitProjection is what outfit rating reads from an outfit and its owner.
type OutfitProjection struct {
	ItemIDs []uuid.UUID
	Profile UserProfile
}

// UserProfile carries the body and style attributes the rating model conditions on.
// Unset attributes are sent as null.
type UserProfile struct {
	Gender   *string  `json:"gender"`
	AgeRange *string  `json:"age_range"`
	HeightCM *float64 `json:"height_cm"`
	WeightKG *float64 `json:"weight_kg"`
	BodyType *string  `json:"body_type"`
	SkinTone *string  `json:"skin_tone"`
}

// ClassifyClothingRequest is the body of POST /classify/clothing.
type ClassifyClothingRequest struct {
	ImageURL string `json:"image_url"`
}

// RateOutfitRequest is the body of POST /rate/outfit.
type RateOutfitRequest struct {
	ItemIDs     []uuid.UUID `json:"item_ids"`
	UserProfile UserProfile `json:"user_profile"`
}

// ClothingClassification is the decoded response of /classify/clothing.
// The raw response is stored on the job untouched; this view only feeds the item update.
type ClothingClassification struct {
	Category     string    `json:"category"`
	Subcategory  string    `json:"subcategory"`
	Colors       []string  `json:"colors"`
	Pattern      string    `json:"pattern"`
	Fit          string    `json:"fit"`
	Fabric       string    `json:"fabric"`
	Season       string    `json:"season"`
	Embedding    []float32 `json:"embedding"`
	Confidence   *float64  `json:"confidence"`
	ModelVersion string    `json:"model_version"`
}

// OutfitRating is the decoded response of /rate/outfit.
type OutfitRating struct {
	Rating          *float64 `json:"rating"`
	ColorScore      *float64 `json:"color_score"`
	ProportionScore *float64 `json:"proportion_score"`
	StyleScore      *float64 `json:"style_score"`
	Feedback        string   `json:"feedback"`
	ModelVersion    string   `json:"model_version"`
}

// Enrichment holds the fields written back onto a subject after a successful call.
// Exactly one of Item / Outfit is set.
type Enrichment struct {
	Item   *ClothingClassification
	Outfit *OutfitRating
}

// DecodeEnrichment decodes a raw inference response into the enrichment view for taskType.
func DecodeEnrichment(taskType TaskType, raw json.RawMessage) (Enrichment, error) {
	switch taskType {
	case TaskClothingClassification:
		var c ClothingClassification
		if err := json.Unmarshal(raw, &c); err != nil {
			return Enrichment{}, err
		}
		return Enrichment{Item: &c}, nil
	case TaskOutfitRating:
		var r OutfitRating
		if err := json.Unmarshal(raw, &r); err != nil {
			return Enrichment{}, err
		}
		return Enrichment{Outfit: &r}, nil
	default:
		_, err := ParseTaskType(string(taskType))
		return Enrichment{}, err
	}
}
