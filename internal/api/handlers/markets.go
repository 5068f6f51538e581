package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"transactive-network/internal/api/models"
	"transactive-network/internal/market"
	"transactive-network/internal/node"
)

// Node is the part of a running node the API reads and controls.
type Node interface {
	Markets() []market.Summary
	Market(id string) (market.Summary, []market.IntervalSummary, bool)
	SetReconciled(id string) bool
	Neighbors() []node.NeighborStatus
	SetEngagement(asset string, start time.Time, engaged bool) error
}

// MarketHandler handles market and neighbor status requests
type MarketHandler struct {
	node Node
}

func NewMarketHandler(n Node) *MarketHandler {
	return &MarketHandler{node: n}
}

// ListMarkets handles GET /api/v1/markets
func (h *MarketHandler) ListMarkets(c *gin.Context) {
	sums := h.node.Markets()
	out := make([]models.MarketSummary, 0, len(sums))
	for _, s := range sums {
		out = append(out, toSummary(s))
	}
	c.JSON(http.StatusOK, gin.H{"markets": out})
}

// GetMarket handles GET /api/v1/markets/:id
func (h *MarketHandler) GetMarket(c *gin.Context) {
	s, ivs, ok := h.node.Market(c.Param("id"))
	if !ok {
		notFound(c, c.Param("id"))
		return
	}
	detail := models.MarketDetail{MarketSummary: toSummary(s)}
	for _, iv := range ivs {
		d := models.IntervalDetail{
			Name:            iv.Name,
			Start:           iv.Start,
			End:             iv.End,
			TotalGeneration: iv.TotalGeneration,
			TotalDemand:     iv.TotalDemand,
			NetPower:        iv.NetPower,
			ProductionCost:  iv.ProductionCost,
			DualCost:        iv.DualCost,
			ReserveMargin:   iv.ReserveMargin,
		}
		if iv.Priced {
			d.MarginalPrice = models.Finite(iv.MarginalPrice)
		}
		for _, mi := range iv.Models {
			sh := models.Share{
				Model:          mi.Model,
				ReserveMargin:  mi.ReserveMargin,
				ProductionCost: mi.ProductionCost,
				TransitionCost: mi.TransitionCost,
			}
			if mi.Scheduled {
				sh.ScheduledPower = models.Finite(mi.ScheduledPower)
			}
			d.Models = append(d.Models, sh)
		}
		detail.TimeIntervals = append(detail.TimeIntervals, d)
	}
	c.JSON(http.StatusOK, detail)
}

// GetVertices handles GET /api/v1/markets/:id/vertices
func (h *MarketHandler) GetVertices(c *gin.Context) {
	_, ivs, ok := h.node.Market(c.Param("id"))
	if !ok {
		notFound(c, c.Param("id"))
		return
	}
	out := make([]models.IntervalVertices, 0, len(ivs))
	for _, iv := range ivs {
		vs := make([]models.Vertex, 0, len(iv.Vertices))
		for _, v := range iv.Vertices {
			vs = append(vs, models.Vertex{
				MarginalPrice: models.Finite(v.MarginalPrice),
				Power:         v.Power,
				Cost:          v.Cost,
			})
		}
		out = append(out, models.IntervalVertices{Interval: iv.Name, Vertices: vs})
	}
	c.JSON(http.StatusOK, gin.H{"market": c.Param("id"), "intervals": out})
}

// MarkReconciled handles POST /api/v1/markets/:id/reconciled
func (h *MarketHandler) MarkReconciled(c *gin.Context) {
	if !h.node.SetReconciled(c.Param("id")) {
		notFound(c, c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"market": c.Param("id"), "reconciled": true})
}

// ListNeighbors handles GET /api/v1/neighbors
func (h *MarketHandler) ListNeighbors(c *gin.Context) {
	sts := h.node.Neighbors()
	out := make([]models.NeighborInfo, 0, len(sts))
	for _, st := range sts {
		info := models.NeighborInfo{
			Name:            st.Name,
			Transactive:     st.Transactive,
			Friend:          st.Friend,
			DemandThreshold: st.DemandThreshold,
			Converged:       map[string]bool{},
		}
		for cm, ok := range st.Converged {
			info.Converged[string(cm)] = ok
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"neighbors": out})
}

func toSummary(s market.Summary) models.MarketSummary {
	return models.MarketSummary{
		ID:               s.ID,
		Name:             s.Name,
		Commodity:        string(s.Commodity),
		Method:           s.Method,
		State:            s.State.String(),
		ClearingTime:     s.ClearingTime,
		NextClearingTime: s.NextClearingTime,
		Intervals:        s.Intervals,
		Converged:        s.Converged,
		DualityGap:       models.Finite(s.DualityGap),
		ProductionCost:   s.ProductionCost,
		DualCost:         s.DualCost,
		Newest:           s.Newest,
		Reconciled:       s.Reconciled,
		LastBalance: models.BalanceResult{
			Outcome:    s.LastBalance.Outcome(),
			Iterations: s.LastBalance.Iterations,
			DualityGap: models.Finite(s.LastBalance.DualityGap),
		},
		Disabled: s.Disabled,
	}
}

func notFound(c *gin.Context, id string) {
	c.JSON(http.StatusNotFound, models.ErrorResponse{
		Error: models.ErrorDetail{
			Code:    "MARKET_NOT_FOUND",
			Message: "no live market with id " + id,
		},
	})
}
