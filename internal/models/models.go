package models

import (
	"encoding/json"
	"time"
)

// TransactionEvent is the payload carried in the event_data field of the
// inbound stream. It arrives fully enriched; the pipeline never mutates it.
type TransactionEvent struct {
	CaseID string `json:"caseId,omitempty"`

	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	CreatedAt     time.Time `json:"createdAt"`

	TransactionType string  `json:"transactionType"` // DEPOSIT, WITHDRAWAL, TRADE
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`

	PaymentMethod   string `json:"paymentMethod"`
	PaymentProvider string `json:"paymentProvider"`

	IPAddress   string `json:"ipAddress"`
	DeviceID    string `json:"deviceId"`
	CountryCode string `json:"countryCode"`

	UserProfile     *UserProfile      `json:"userProfile,omitempty"`
	DeviceProfile   *DeviceProfile    `json:"deviceProfile,omitempty"`
	IPProfile       *IPProfile        `json:"ipProfile,omitempty"`
	DocumentProfile *DocumentProfile  `json:"documentProfile,omitempty"`
	Flags           *TransactionFlags `json:"flags,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// TransactionType enum values
const (
	TransactionTypeDeposit    = "DEPOSIT"
	TransactionTypeWithdrawal = "WITHDRAWAL"
	TransactionTypeTrade      = "TRADE"
)

// UserProfile carries KYC enrichment for the transacting user.
type UserProfile struct {
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	FullName    string    `json:"fullName"`
	DateOfBirth time.Time `json:"dateOfBirth"`
	Nationality string    `json:"nationality"`

	DeclaredMonthlyIncome float64 `json:"declaredMonthlyIncome"`
	Occupation            string  `json:"occupation"`
	EmploymentStatus      string  `json:"employmentStatus"`
	SourceOfFunds         string  `json:"sourceOfFunds"`
	AccountStatus         string  `json:"accountStatus"`
	RiskLevel             string  `json:"riskLevel"`
	KYCStatus             string  `json:"kycStatus"`

	AccountCreatedAt time.Time `json:"accountCreatedAt"`
	TotalDeposits    float64   `json:"totalDeposits"`
	TotalWithdrawals float64   `json:"totalWithdrawals"`
	TransactionCount int       `json:"transactionCount"`
	TotalDevices     int       `json:"totalDevices"`
}

// DeviceProfile carries device-fingerprint enrichment.
type DeviceProfile struct {
	DeviceID         string `json:"deviceId"`
	DeviceType       string `json:"deviceType"`
	OS               string `json:"os"`
	Browser          string `json:"browser"`
	BrowserVersion   string `json:"browserVersion"`
	UserAgent        string `json:"userAgent"`
	ScreenResolution string `json:"screenResolution"`
	Timezone         string `json:"timezone"`
	Language         string `json:"language"`

	Emulator bool `json:"emulator"`
	VPN      bool `json:"vpn"`
	Proxy    bool `json:"proxy"`
	Tor      bool `json:"tor"`

	TotalUsersCount   int `json:"totalUsersCount"`
	FlaggedUsersCount int `json:"flaggedUsersCount"`
}

// IPProfile carries network enrichment for the source address.
type IPProfile struct {
	IPAddress    string `json:"ipAddress"`
	CountryCode  string `json:"countryCode"`
	CountryName  string `json:"countryName"`
	City         string `json:"city"`
	Region       string `json:"region"`
	ISP          string `json:"isp"`
	Organization string `json:"organization"`
	ASN          string `json:"asn"`

	VPN               bool `json:"vpn"`
	Proxy             bool `json:"proxy"`
	Tor               bool `json:"tor"`
	Datacenter        bool `json:"datacenter"`
	Anonymous         bool `json:"anonymous"`
	SanctionedCountry bool `json:"sanctionedCountry"`
	HighRiskCountry   bool `json:"highRiskCountry"`

	RiskScore    float64 `json:"riskScore"`
	TotalUsers   int     `json:"totalUsers"`
	FlaggedUsers int     `json:"flaggedUsers"`
}

// DocumentProfile carries identity-document verification enrichment.
type DocumentProfile struct {
	VerificationStatus string   `json:"verificationStatus"` // PASSED, FAILED
	ConfidenceScore    *float64 `json:"confidenceScore,omitempty"`
	FaceMatchScore     float64  `json:"faceMatchScore"`

	Forged      bool `json:"forged"`
	AIGenerated bool `json:"aiGenerated"`
	Expired     bool `json:"expired"`

	DocumentQualityScore float64 `json:"documentQualityScore"`
}

// TransactionFlags are preset anomaly booleans computed upstream.
type TransactionFlags struct {
	VelocityFlag          bool `json:"velocityFlag"`
	AmountAnomalyFlag     bool `json:"amountAnomalyFlag"`
	GeographicAnomalyFlag bool `json:"geographicAnomalyFlag"`
}

// RuleResult is the outcome of one rule-engine evaluation. It lives only
// for the duration of the triage of a single record.
type RuleResult struct {
	Decision   CaseStatus `json:"decision"`
	Confidence float64    `json:"confidence"`
	RiskScore  float64    `json:"riskScore"`
	Signals    JSONB      `json:"signals"`
}

// IsDefinitive reports whether the decision short-circuits AI escalation.
func (r *RuleResult) IsDefinitive() bool {
	return r.Decision == StatusAutoApproved || r.Decision == StatusAutoBlocked
}

// AddSignal records a detection signal on the result.
func (r *RuleResult) AddSignal(key string, value interface{}) {
	if r.Signals == nil {
		r.Signals = JSONB{}
	}
	r.Signals[key] = value
}

// StatsFrame is the aggregate broadcast on /topic/stats once per second.
type StatsFrame struct {
	TotalCases   int64 `json:"total_cases"`
	AutoApproved int64 `json:"auto_approved"`
	AutoBlocked  int64 `json:"auto_blocked"`
	ManualCases  int64 `json:"manual_cases"`
	TPS          int   `json:"tps"`
}

// JSONB is a helper type for PostgreSQL JSONB columns.
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Clamp01 clamps probabilities and confidence values into [0,1] before
// they are stored on a case.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
