package contacts

import (
	"encoding/json"
	"strings"
	"time"
)

// Contact is a verbatim snapshot of one address-book entry pushed by the
// device. The id is the provider's opaque identifier; the engine never
// generates or interprets it.
type Contact struct {
	ID               string    `gorm:"column:id;primaryKey;size:190;not null"`
	Name             string    `gorm:"column:name;size:320;not null"`
	PhoneNumbersJSON string    `gorm:"column:phone_numbers;type:text;not null;default:''"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the directory snapshot.
func (Contact) TableName() string {
	return "contact_directory"
}

// PhoneNumber mirrors the provider's phone entry shape.
type PhoneNumber struct {
	Number string `json:"number"`
}

// ProviderContact is the inbound contract from the contact-identity provider.
type ProviderContact struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	PhoneNumbers []PhoneNumber `json:"phone_numbers,omitempty"`
}

// PhoneNumbers decodes the stored JSON column. A blank column yields nil.
func (c Contact) PhoneNumbers() ([]PhoneNumber, error) {
	if strings.TrimSpace(c.PhoneNumbersJSON) == "" {
		return nil, nil
	}
	var numbers []PhoneNumber
	if err := json.Unmarshal([]byte(c.PhoneNumbersJSON), &numbers); err != nil {
		return nil, err
	}
	return numbers, nil
}

func encodePhoneNumbers(numbers []PhoneNumber) (string, error) {
	if len(numbers) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(numbers)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
