package models

// Evidence maps are the free-form JSONB blobs stored on a case for the
// dashboard's evidence cards. Serialization is explicit per profile; a
// nil profile yields a nil map.

// Summary returns the transaction_summary evidence for the event.
func (e *TransactionEvent) Summary() JSONB {
	return JSONB{
		"transactionId":   e.TransactionID,
		"amount":          e.Amount,
		"transactionType": e.TransactionType,
		"currency":        e.Currency,
		"paymentMethod":   e.PaymentMethod,
		"paymentProvider": e.PaymentProvider,
		"ipAddress":       e.IPAddress,
		"deviceId":        e.DeviceID,
		"countryCode":     e.CountryCode,
	}
}

// EvidenceMap returns the identity_flags evidence for the profile.
func (p *UserProfile) EvidenceMap() JSONB {
	if p == nil {
		return nil
	}
	return JSONB{
		"userId":                p.UserID,
		"email":                 p.Email,
		"fullName":              p.FullName,
		"nationality":           p.Nationality,
		"declaredMonthlyIncome": p.DeclaredMonthlyIncome,
		"occupation":            p.Occupation,
		"employmentStatus":      p.EmploymentStatus,
		"sourceOfFunds":         p.SourceOfFunds,
		"accountStatus":         p.AccountStatus,
		"riskLevel":             p.RiskLevel,
		"kycStatus":             p.KYCStatus,
		"totalDeposits":         p.TotalDeposits,
		"totalWithdrawals":      p.TotalWithdrawals,
		"transactionCount":      p.TransactionCount,
		"totalDevices":          p.TotalDevices,
	}
}

// EvidenceMap returns the network_flags evidence for the profile.
func (p *IPProfile) EvidenceMap() JSONB {
	if p == nil {
		return nil
	}
	return JSONB{
		"ipAddress":         p.IPAddress,
		"countryCode":       p.CountryCode,
		"countryName":       p.CountryName,
		"city":              p.City,
		"isp":               p.ISP,
		"asn":               p.ASN,
		"vpn":               p.VPN,
		"proxy":             p.Proxy,
		"tor":               p.Tor,
		"datacenter":        p.Datacenter,
		"anonymous":         p.Anonymous,
		"sanctionedCountry": p.SanctionedCountry,
		"highRiskCountry":   p.HighRiskCountry,
		"riskScore":         p.RiskScore,
	}
}

// EvidenceMap returns the behavioral_flags evidence for the flags.
func (f *TransactionFlags) EvidenceMap() JSONB {
	if f == nil {
		return nil
	}
	return JSONB{
		"velocityFlag":          f.VelocityFlag,
		"amountAnomalyFlag":     f.AmountAnomalyFlag,
		"geographicAnomalyFlag": f.GeographicAnomalyFlag,
	}
}
