package models

// Listing holds the columns shared by every per-service listing table.
// Listing content is owned by the marketplace; this service only flips IsDraft.
type Listing struct {
	BaseModel
	ListingID string `json:"listing_id" gorm:"not null;size:64;uniqueIndex"`
	UserID    string `json:"user_id" gorm:"not null;size:64;index"`
	Title     string `json:"title" gorm:"size:255"`
	IsDraft   bool   `json:"is_draft" gorm:"not null;default:true"`
}

// Base gives access to the shared columns of any listing table model
func (l *Listing) Base() *Listing { return l }

// ListingRecord is implemented by every per-service listing model
type ListingRecord interface {
	Base() *Listing
}

type VenueListing struct{ Listing }

func (VenueListing) TableName() string { return "venue_listing" }

type DJListing struct{ Listing }

func (DJListing) TableName() string { return "dj_listing" }

type WeddingPlannerListing struct{ Listing }

func (WeddingPlannerListing) TableName() string { return "wedding_planner_listing" }

type PhotoVideoListing struct{ Listing }

func (PhotoVideoListing) TableName() string { return "photo_video_listing" }

type HairMakeupListing struct{ Listing }

func (HairMakeupListing) TableName() string { return "hair_makeup_listing" }

// ListingModel returns the table model for a service type. The switch is
// exhaustive over ServiceType; unknown values yield nil.
func ListingModel(st ServiceType) ListingRecord {
	switch st {
	case ServiceVenue:
		return &VenueListing{}
	case ServiceDJ:
		return &DJListing{}
	case ServiceWeddingPlanner:
		return &WeddingPlannerListing{}
	case ServicePhotoVideo:
		return &PhotoVideoListing{}
	case ServiceHairMakeup:
		return &HairMakeupListing{}
	}
	return nil
}

// AllListingModels is used by migrations
func AllListingModels() []interface{} {
	out := make([]interface{}, 0, len(ServiceTypes))
	for _, st := range ServiceTypes {
		out = append(out, ListingModel(st))
	}
	return out
}
