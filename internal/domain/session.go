package domain

// Identity is the caller as asserted by the identity provider's ID token.
type Identity struct {
	UserID string
	Email  string
	Admin  bool
}

// Language is the caller's interface language preference.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageArabic  Language = "ar"
)

func (l Language) Valid() bool {
	return l == LanguageEnglish || l == LanguageArabic
}

// Session is the per-user state the front-end reads after sign-in.
type Session struct {
	UserID   string   `json:"userId"`
	Email    string   `json:"email"`
	Admin    bool     `json:"isAdmin"`
	Language Language `json:"language"`
}
