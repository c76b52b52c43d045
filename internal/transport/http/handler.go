package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/ledger-service/internal/service"
	"github.com/shopspring/decimal"
)

func RegisterHandlers(r *gin.Engine, svc *service.LedgerService) {
	v1 := r.Group("/v1")
	{
		v1.POST("/wallets", createWalletHandler(svc))
		v1.GET("/wallets/:userId/balance", balanceHandler(svc))
		v1.POST("/wallets/:userId/fund", fundHandler(svc))
		v1.POST("/wallets/:userId/withdraw", withdrawHandler(svc))
		v1.GET("/wallets/:userId/transactions", historyHandler(svc))
		v1.GET("/wallets/:userId/eligibility", eligibilityHandler(svc))
		v1.POST("/bids", placeBidHandler(svc))
		v1.POST("/bids/:id/status", bidStatusHandler(svc))
		v1.POST("/bids/:id/forfeit", forfeitHandler(svc))
	}
}

// writeError maps ledger errors onto HTTP statuses. Insufficient balance is
// a user-facing condition and carries the shortfall so the UI can prompt
// funding.
func writeError(c *gin.Context, err error) {
	var insufficient *service.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusForbidden, gin.H{
			"error":     "insufficient balance",
			"required":  insufficient.Required,
			"available": insufficient.Available,
			"shortfall": insufficient.Shortfall,
		})
	case errors.Is(err, service.ErrWalletNotFound), errors.Is(err, service.ErrBidNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrDepositLocked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrBidOwnerMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type createWalletReq struct {
	UserID string `json:"user_id" binding:"required"`
}

func createWalletHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createWalletReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := svc.CreateWallet(c, req.UserID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

func balanceHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := svc.GetBalance(c, c.Param("userId"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

type fundReq struct {
	USDAmount      string `json:"usd_amount" binding:"required"`
	SourceCurrency string `json:"currency" binding:"required"`
	SourceAmount   string `json:"amount" binding:"required"`
	ExchangeRate   string `json:"exchange_rate"`
	Reference      string `json:"reference"`
}

func fundHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req fundReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		usd, err := decimal.NewFromString(req.USDAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid usd_amount"})
			return
		}
		src, err := decimal.NewFromString(req.SourceAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		var rate *decimal.Decimal
		if req.ExchangeRate != "" {
			r, err := decimal.NewFromString(req.ExchangeRate)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exchange_rate"})
				return
			}
			rate = &r
		}
		if err := svc.AddFunds(c, c.Param("userId"), usd, req.SourceCurrency, src, rate, req.Reference); err != nil {
			writeError(c, err)
			return
		}
		snap, err := svc.GetBalance(c, c.Param("userId"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

type withdrawReq struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

func withdrawHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req withdrawReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		if err := svc.Withdraw(c, c.Param("userId"), amt, req.Reference); err != nil {
			writeError(c, err)
			return
		}
		snap, err := svc.GetBalance(c, c.Param("userId"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func historyHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		txs, err := svc.GetHistory(c, c.Param("userId"), limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func eligibilityHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		amt, err := decimal.NewFromString(c.Query("bid_amount"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bid_amount"})
			return
		}
		elig, err := svc.CheckEligibility(c, c.Param("userId"), amt)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, elig)
	}
}

type placeBidReq struct {
	UserID       string `json:"user_id" binding:"required"`
	VehicleID    string `json:"vehicle_id" binding:"required"`
	MaxBidAmount string `json:"max_bid_amount" binding:"required"`
}

func placeBidHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req placeBidReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.MaxBidAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_bid_amount"})
			return
		}
		bid, err := svc.PlaceBid(c, req.UserID, req.VehicleID, amt)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, bid)
	}
}

type bidStatusReq struct {
	Status string `json:"status" binding:"required"`
}

func bidStatusHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bidStatusReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.ResolveBid(c, c.Param("id"), req.Status); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": req.Status})
	}
}

func forfeitHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.ForfeitDeposit(c, c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"forfeited": true})
	}
}
