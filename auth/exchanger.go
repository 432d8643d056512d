package auth

import (
	"context"

	"gamerpc/store"
)

// Exchanger turns a client auth code into the account it belongs to.
// Deployments with a real OAuth provider plug in their own implementation;
// it must honor ctx so the handshake can time it out.
type Exchanger interface {
	Exchange(ctx context.Context, authCode string) (store.Account, error)
}

// StoreExchanger resolves auth codes with a store lookup. An unknown code is
// store.ErrNotFound.
type StoreExchanger struct {
	Store store.Store
}

func (e StoreExchanger) Exchange(ctx context.Context, authCode string) (store.Account, error) {
	return e.Store.FindByAuthCode(ctx, authCode)
}

// ExchangerFunc adapts a function to Exchanger.
type ExchangerFunc func(ctx context.Context, authCode string) (store.Account, error)

func (f ExchangerFunc) Exchange(ctx context.Context, authCode string) (store.Account, error) {
	return f(ctx, authCode)
}
