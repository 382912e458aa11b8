package app

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/venue"
	"rwa-exposure-bundle/internal/venue/rest"
	"rwa-exposure-bundle/internal/venue/sim"
	"rwa-exposure-bundle/internal/venue/stream"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// venues is the collaborator set every strategy is built from.
type venues struct {
	oracle venue.PriceOracle
	router venue.ExchangeRouter
	trs    venue.TRSProvider
	perp   venue.PerpRouter
	vault  func(name string) venue.YieldVault
	stream *stream.Oracle
}

func buildVenues(cfg *config.Config, log *zap.Logger) (venues, error) {
	switch cfg.Venue.Mode {
	case config.VenueModeREST, "":
		client := rest.New(cfg.Venue.BaseURL, cfg.Venue.Timeout, cfg.Venue.RateLimit, cfg.Venue.Burst, log)
		if err := configureSigner(client, cfg.Venue.ChainID, log); err != nil {
			return venues{}, err
		}
		v := venues{
			oracle: client,
			router: client,
			trs:    client,
			perp:   client,
			vault:  func(name string) venue.YieldVault { return client.Vault(name) },
		}
		if sc := cfg.Venue.Stream; sc.URL != "" {
			ws := stream.NewClient(sc.URL, sc.ReconnectDelay, sc.PingInterval, log)
			v.stream = stream.NewOracle(ws, client, streamAssets(cfg.Strategies), sc.MaxPriceAge, log)
			v.oracle = v.stream
		}
		return v, nil
	case config.VenueModeSim:
		return buildSimVenues(cfg), nil
	default:
		return venues{}, fmt.Errorf("unknown venue mode %q", cfg.Venue.Mode)
	}
}

// configureSigner enables request signing when RWA_VENUE_PRIVATE_KEY is set.
// RWA_VENUE_ADDRESS, when present, must match the key.
func configureSigner(client *rest.Client, chainID int64, log *zap.Logger) error {
	key := strings.TrimSpace(os.Getenv("RWA_VENUE_PRIVATE_KEY"))
	if key == "" {
		return nil
	}
	signer, err := rest.NewSigner(key, chainID)
	if err != nil {
		return fmt.Errorf("venue signer: %w", err)
	}
	if want := strings.TrimSpace(os.Getenv("RWA_VENUE_ADDRESS")); want != "" && !strings.EqualFold(want, signer.Address().Hex()) {
		return fmt.Errorf("venue address does not match private key: got %s expected %s", want, signer.Address().Hex())
	}
	client.SetSigner(signer)
	log.Info("venue request signing enabled", zap.String("address", signer.Address().Hex()))
	return nil
}

// streamAssets lists every asset an enabled strategy prices.
func streamAssets(cfg config.StrategiesConfig) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(asset string) {
		if asset == "" {
			return
		}
		if _, ok := seen[asset]; ok {
			return
		}
		seen[asset] = struct{}{}
		out = append(out, asset)
	}
	if cfg.Perpetual.Enabled {
		add(cfg.Perpetual.Underlying)
	}
	if cfg.TRS.Enabled {
		add(cfg.TRS.Underlying)
	}
	if cfg.Direct.Enabled {
		add(cfg.Direct.TokenAsset)
		add(cfg.Direct.BaseAsset)
	}
	return out
}

func buildSimVenues(cfg *config.Config) venues {
	simCfg := cfg.Venue.Sim
	oracle := sim.NewOracle()
	for asset, price := range simCfg.Prices {
		oracle.SetPrice(asset, decimal.NewFromFloat(price))
	}
	perps := sim.NewPerpVenue(oracle)
	if p := cfg.Strategies.Perpetual; p.Enabled {
		perps.AddMarket(p.MarketID, p.Underlying, simCfg.FundingBps)
	}
	underlying := cfg.Strategies.TRS.Underlying
	desk := sim.NewTRSDesk(oracle, underlying)
	for _, cp := range cfg.Strategies.TRS.Counterparties {
		desk.SetRate(common.HexToAddress(cp), simCfg.TRSRateBps)
	}
	var mu sync.Mutex
	vaults := make(map[string]*sim.Vault)
	return venues{
		oracle: oracle,
		router: sim.NewRouter(oracle, simCfg.SlippageBps),
		trs:    desk,
		perp:   perps,
		vault: func(name string) venue.YieldVault {
			mu.Lock()
			defer mu.Unlock()
			v, ok := vaults[name]
			if !ok {
				v = sim.NewVault()
				vaults[name] = v
			}
			return v
		},
	}
}
