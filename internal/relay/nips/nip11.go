package nips

import (
	"encoding/json"
	"net/http"

	"github.com/roost-relay/roost/internal/config"
	"github.com/roost-relay/roost/internal/constants"
)

// RelayInformationDocument is the NIP-11 payload. It is defined locally
// so the limitation block can carry the created_at window fields exactly
// as advertised.
type RelayInformationDocument struct {
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	PubKey        string           `json:"pubkey,omitempty"`
	Contact       string           `json:"contact,omitempty"`
	SupportedNIPs []int            `json:"supported_nips"`
	Software      string           `json:"software"`
	Version       string           `json:"version"`
	Limitation    *RelayLimitation `json:"limitation,omitempty"`
}

// RelayLimitation is the limitation block of the NIP-11 document.
type RelayLimitation struct {
	MaxMessageLength    int   `json:"max_message_length"`
	MaxSubscriptions    int   `json:"max_subscriptions"`
	MaxFilters          int   `json:"max_filters"`
	MaxLimit            int   `json:"max_limit"`
	MaxSubidLength      int   `json:"max_subid_length"`
	MaxEventTags        int   `json:"max_event_tags"`
	MaxContentLength    int   `json:"max_content_length"`
	MinPowDifficulty    int   `json:"min_pow_difficulty"`
	AuthRequired        bool  `json:"auth_required"`
	PaymentRequired     bool  `json:"payment_required"`
	RestrictedWrites    bool  `json:"restricted_writes"`
	CreatedAtLowerLimit int64 `json:"created_at_lower_limit"`
	CreatedAtUpperLimit int64 `json:"created_at_upper_limit"`
}

// BuildRelayInformation assembles the NIP-11 document from configuration
// and the relay's identity pubkey.
func BuildRelayInformation(cfg *config.Config, relayPubkey string) RelayInformationDocument {
	name := cfg.Relay.Name
	if name == "" {
		name = constants.DefaultRelayName
	}
	description := cfg.Relay.Description
	if description == "" {
		description = constants.DefaultRelayDescription
	}

	return RelayInformationDocument{
		Name:          name,
		Description:   description,
		PubKey:        relayPubkey,
		Contact:       cfg.Relay.Contact,
		SupportedNIPs: constants.SupportedNIPs,
		Software:      constants.RelaySoftware,
		Version:       config.Version,
		Limitation: &RelayLimitation{
			MaxMessageLength:    constants.MaxMessageLength,
			MaxSubscriptions:    constants.MaxSubscriptions,
			MaxFilters:          constants.MaxFilters,
			MaxLimit:            constants.MaxLimit,
			MaxSubidLength:      constants.MaxSubIDLength,
			MaxEventTags:        constants.MaxEventTags,
			MaxContentLength:    constants.MaxContentLength,
			MinPowDifficulty:    cfg.Relay.MinPow,
			AuthRequired:        constants.AuthRequired,
			PaymentRequired:     constants.PaymentRequired,
			RestrictedWrites:    cfg.Relay.OwnerOnly,
			CreatedAtLowerLimit: cfg.Relay.CreatedAtPastLimit,
			CreatedAtUpperLimit: cfg.Relay.CreatedAtFutureLimit,
		},
	}
}

// ServeRelayInformation writes the document with the NIP-11 content type
// and permissive CORS, as relay info is meant to be fetched from web
// clients.
func ServeRelayInformation(w http.ResponseWriter, doc RelayInformationDocument) {
	w.Header().Set("Content-Type", "application/nostr+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

	if err := json.NewEncoder(w).Encode(doc); err != nil {
		http.Error(w, "failed to encode relay information", http.StatusInternalServerError)
	}
}
