package models

type ProductKind string

const (
	ProductCourse      ProductKind = "course"
	ProductTryout      ProductKind = "tryout"
	ProductCoinPackage ProductKind = "coin_package"
)

type Product struct {
	ID        int64       `json:"id"`
	Kind      ProductKind `json:"kind"`
	Name      string      `json:"name"`
	Price     int64       `json:"price"`
	CoinPrice int64       `json:"coin_price"`
	Coins     int64       `json:"coins"`
}

// Unlockable products can be opened with coins.
func (p *Product) Unlockable() bool {
	return p.Kind != ProductCoinPackage && p.CoinPrice > 0
}

type AccessGrant struct {
	UserID    int64
	ProductID int64
	PaymentID int64
}
