package oracle

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// SOLMint is the wrapped-SOL mint address DEX price APIs key their
// quotes on.
const SOLMint = "So11111111111111111111111111111111111111112"

// A Source is one upstream quote endpoint. Parse extracts the price (or
// FX rate) from a raw response body and must reject values it cannot
// trust, so the rotation moves on to the next source.
type Source struct {
	Name  string
	URL   string
	Parse func(body []byte) (decimal.Decimal, error)
}

// DefaultDEXSource quotes SOL/USD from Jupiter's price API, which
// aggregates Solana DEX liquidity. It is tried before the exchange APIs:
// no API key, and it tolerates far more traffic than the public exchange
// tickers.
func DefaultDEXSource() Source {
	return Source{
		Name:  "jupiter",
		URL:   "https://api.jup.ag/price/v2?ids=" + SOLMint,
		Parse: parseJupiter,
	}
}

// DefaultUSDSources returns the exchange SOL/USD tickers tried in order
// when the DEX quote fails.
func DefaultUSDSources() []Source {
	return []Source{
		{Name: "kraken_usd", URL: "https://api.kraken.com/0/public/Ticker?pair=SOLUSD", Parse: parseKrakenPair("SOLUSD")},
		{Name: "kucoin_usd", URL: "https://api.kucoin.com/api/v1/market/orderbook/level1?symbol=SOL-USDT", Parse: parseKuCoin},
		{Name: "binance_usd", URL: "https://api.binance.com/api/v3/ticker/price?symbol=SOLUSDT", Parse: parseBinance},
		{Name: "coingecko_usd", URL: "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd", Parse: parseCoinGecko},
	}
}

// DefaultFXSources returns the USD→EUR rate sources. All three share the
// same response shape.
func DefaultFXSources() []Source {
	return []Source{
		{Name: "frankfurter", URL: "https://api.frankfurter.app/latest?from=USD&to=EUR", Parse: parseFXRates},
		{Name: "openerapi", URL: "https://open.er-api.com/v6/latest/USD", Parse: parseFXRates},
		{Name: "exchangerate_host", URL: "https://api.exchangerate.host/latest?base=USD&symbols=EUR", Parse: parseFXRates},
	}
}

// DefaultEURSources returns the direct SOL/EUR tickers used when no USD
// quote could be had. Several exchanges geo-block these endpoints, which
// is why the USD path comes first.
func DefaultEURSources() []Source {
	return []Source{
		{Name: "kraken_eur", URL: "https://api.kraken.com/0/public/Ticker?pair=SOLEUR", Parse: parseKrakenPair("SOLEUR")},
		{Name: "cryptocompare_eur", URL: "https://min-api.cryptocompare.com/data/price?fsym=SOL&tsyms=EUR", Parse: parseCryptoCompare},
	}
}

func requirePositive(name string, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%s quoted non-positive price %s", name, price)
	}
	return price, nil
}

// parseJupiter reads {"data":{"<mint>":{"price":"..."}}}.
func parseJupiter(body []byte) (decimal.Decimal, error) {
	var resp struct {
		Data map[string]struct {
			Price decimal.Decimal `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Decimal{}, err
	}
	entry, ok := resp.Data[SOLMint]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("SOL mint missing from jupiter response")
	}
	return requirePositive("jupiter", entry.Price)
}

// parseKrakenPair reads {"error":[],"result":{"<pair>":{"c":["<last>",...]}}}.
// Kraken reports failures in-band through the error array.
func parseKrakenPair(pair string) func([]byte) (decimal.Decimal, error) {
	return func(body []byte) (decimal.Decimal, error) {
		var resp struct {
			Error  []string `json:"error"`
			Result map[string]struct {
				Last []decimal.Decimal `json:"c"`
			} `json:"result"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return decimal.Decimal{}, err
		}
		if len(resp.Error) > 0 {
			return decimal.Decimal{}, fmt.Errorf("kraken error: %s", resp.Error[0])
		}
		ticker, ok := resp.Result[pair]
		if !ok || len(ticker.Last) == 0 {
			return decimal.Decimal{}, fmt.Errorf("pair %s missing from kraken response", pair)
		}
		return requirePositive("kraken", ticker.Last[0])
	}
}

// parseKuCoin reads {"data":{"price":"..."}}.
func parseKuCoin(body []byte) (decimal.Decimal, error) {
	var resp struct {
		Data struct {
			Price decimal.Decimal `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Decimal{}, err
	}
	return requirePositive("kucoin", resp.Data.Price)
}

// parseBinance reads {"price":"..."}.
func parseBinance(body []byte) (decimal.Decimal, error) {
	var resp struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Decimal{}, err
	}
	return requirePositive("binance", resp.Price)
}

// parseCoinGecko reads {"solana":{"usd":...}}.
func parseCoinGecko(body []byte) (decimal.Decimal, error) {
	var resp struct {
		Solana struct {
			USD decimal.Decimal `json:"usd"`
		} `json:"solana"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Decimal{}, err
	}
	return requirePositive("coingecko", resp.Solana.USD)
}

// parseFXRates reads {"rates":{"EUR":...}} and rejects rates outside
// (0.5, 1.5): a USD→EUR rate beyond those bounds is a broken feed, not a
// market move.
func parseFXRates(body []byte) (decimal.Decimal, error) {
	var resp struct {
		Rates struct {
			EUR decimal.Decimal `json:"EUR"`
		} `json:"rates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Decimal{}, err
	}
	rate := resp.Rates.EUR
	if rate.LessThanOrEqual(fxSanityFloor) || rate.GreaterThanOrEqual(fxSanityCeil) {
		return decimal.Decimal{}, fmt.Errorf("EUR/USD rate %s outside sanity bounds", rate)
	}
	return rate, nil
}

var (
	fxSanityFloor = decimal.NewFromFloat(0.5)
	fxSanityCeil  = decimal.NewFromFloat(1.5)
)

// parseCryptoCompare reads {"EUR":...}.
func parseCryptoCompare(body []byte) (decimal.Decimal, error) {
	var resp struct {
		EUR decimal.Decimal `json:"EUR"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Decimal{}, err
	}
	return requirePositive("cryptocompare", resp.EUR)
}
