package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

type collateralRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type debtRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type depositAndMintRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Deposit string `json:"deposit"`
	Mint    string `json:"mint"`
}

type redeemAndBurnRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Redeem  string `json:"redeem"`
	Burn    string `json:"burn"`
}

type liquidateRequest struct {
	Liquidator  string `json:"liquidator"`
	Target      string `json:"target"`
	Asset       string `json:"asset"`
	DebtToCover string `json:"debtToCover"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type positionResponse struct {
	Account            string            `json:"account"`
	DebtMinted         string            `json:"debtMinted"`
	CollateralValueUSD string            `json:"collateralValueUsd"`
	HealthFactor       string            `json:"healthFactor"`
	Collateral         map[string]string `json:"collateral"`
}

type assetResponse struct {
	Address string `json:"address"`
	Feed    string `json:"feed"`
}

type amountResponse struct {
	Amount string `json:"amount"`
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, requestBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s: %q is not a valid address", field, value)
	}
	return common.HexToAddress(value), nil
}

func parseAmount(field, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("%s: %q is not a base-10 integer", field, value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%s: must not be negative", field)
	}
	return amount, nil
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	err = s.engine.Deposit(account, asset, amount)
	s.observe("deposit", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req debtRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	err = s.engine.Mint(account, amount)
	s.observe("mint", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	var req depositAndMintRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deposit, err := parseAmount("deposit", req.Deposit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mint, err := parseAmount("mint", req.Mint)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	err = s.engine.DepositAndMint(account, asset, deposit, mint)
	s.observe("deposit_and_mint", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	err = s.engine.Redeem(account, asset, amount)
	s.observe("redeem", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req debtRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	err = s.engine.Burn(account, amount)
	s.observe("burn", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleRedeemAndBurn(w http.ResponseWriter, r *http.Request) {
	var req redeemAndBurnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	redeem, err := parseAmount("redeem", req.Redeem)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	burn, err := parseAmount("burn", req.Burn)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	err = s.engine.RedeemAndBurn(account, asset, redeem, burn)
	s.observe("redeem_and_burn", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	liquidator, err := parseAddress("liquidator", req.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := parseAddress("target", req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cover, err := parseAmount("debtToCover", req.DebtToCover)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	err = s.engine.Liquidate(liquidator, target, asset, cover)
	s.observe("liquidate", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleAssets(w http.ResponseWriter, _ *http.Request) {
	assets := s.engine.Assets()
	out := make([]assetResponse, 0, len(assets))
	for _, asset := range assets {
		feed, err := s.engine.FeedFor(asset)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		out = append(out, assetResponse{Address: asset.Hex(), Feed: feed})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	summary, err := s.engine.AccountInformation(account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	collateral := make(map[string]string)
	for _, asset := range s.engine.Assets() {
		held, err := s.engine.CollateralBalance(account, asset)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if held.Sign() > 0 {
			collateral[asset.Hex()] = held.String()
		}
	}
	writeJSON(w, http.StatusOK, positionResponse{
		Account:            summary.Account.Hex(),
		DebtMinted:         summary.DebtMinted.String(),
		CollateralValueUSD: summary.CollateralValueUSD.String(),
		HealthFactor:       summary.HealthFactor.String(),
		Collateral:         collateral,
	})
}

func (s *Server) handleCollateral(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := parseAddress("asset", chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	held, err := s.engine.CollateralBalance(account, asset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: held.String()})
}

func (s *Server) handleUsdValue(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress("asset", chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	value, err := s.engine.UsdValue(asset, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: value.String()})
}

func (s *Server) handleAssetAmount(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress("asset", chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	usd, err := parseAmount("usd", r.URL.Query().Get("usd"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := s.engine.AssetAmountFromUsd(asset, usd)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amount.String()})
}
