package models

import "time"

type User struct {
	ID          int64
	Username    string
	CoinBalance int64
	CreatedAt   time.Time
}
