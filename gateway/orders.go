package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/orders"
	"github.com/example/tableside/pkg/statemachine"
	"github.com/gin-gonic/gin"
)

// ActorHeader names the role a request acts as.
const ActorHeader = "X-Actor-Role"

type itemRequest struct {
	MenuItemID string  `json:"menu_item_id"`
	Name       string  `json:"name"`
	UnitPrice  float64 `json:"unit_price" binding:"gte=0"`
	Quantity   int     `json:"quantity" binding:"required,min=1"`
}

type placeOrderRequest struct {
	Table string        `json:"table" binding:"required"`
	Items []itemRequest `json:"items" binding:"required,min=1,dive"`
}

type addItemsRequest struct {
	Items       []itemRequest `json:"items" binding:"required,min=1,dive"`
	AmountDelta float64       `json:"amount_delta"`
}

type updateStatusRequest struct {
	Status models.Status `json:"status" binding:"required"`
	Chef   string        `json:"chef"`
}

type listOrdersQuery struct {
	Table  string    `form:"table"`
	Status []string  `form:"status"`
	Active bool      `form:"active"`
	Since  time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit  int       `form:"limit" binding:"gte=0,lte=500"`
}

func toItemInputs(items []itemRequest) []orders.ItemInput {
	out := make([]orders.ItemInput, len(items))
	for i, it := range items {
		out[i] = orders.ItemInput{
			MenuItemID: it.MenuItemID,
			Name:       it.Name,
			UnitPrice:  it.UnitPrice,
			Quantity:   it.Quantity,
		}
	}
	return out
}

// actorRole reads the acting role, falling back to def when the header is absent.
func actorRole(c *gin.Context, def models.Role) models.Role {
	if role := strings.TrimSpace(c.GetHeader(ActorHeader)); role != "" {
		return models.Role(strings.ToLower(role))
	}
	return def
}

func (g *Gateway) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	order, err := g.api.PlaceOrder(c.Request.Context(), orders.PlaceOrderInput{
		Table: req.Table,
		Items: toItemInputs(req.Items),
	})
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (g *Gateway) getOrder(c *gin.Context) {
	order, err := g.api.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// getActiveOrder answers 200 with null when the table has no active order.
func (g *Gateway) getActiveOrder(c *gin.Context) {
	order, err := g.api.GetActiveOrderForTable(c.Request.Context(), c.Param("table"))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (g *Gateway) listOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err.Error())
		return
	}

	filter := orders.ListFilter{
		Table:      q.Table,
		ActiveOnly: q.Active,
		Since:      q.Since,
		Limit:      q.Limit,
	}
	for _, raw := range q.Status {
		for _, s := range strings.Split(raw, ",") {
			status := models.Status(strings.TrimSpace(s))
			if !status.Valid() {
				badRequest(c, fmt.Sprintf("Unknown status %q.", s))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	list, err := g.api.ListOrders(c.Request.Context(), filter)
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": list,
		"total":  len(list),
	})
}

func (g *Gateway) updateOrderStatus(c *gin.Context) {
	actor := actorRole(c, "")
	if actor == "" {
		badRequest(c, ActorHeader+" header is required.")
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	order, err := g.api.UpdateStatus(c.Request.Context(), orders.UpdateStatusInput{
		OrderID: c.Param("id"),
		Target:  req.Status,
		Actor:   actor,
		Chef:    req.Chef,
	})
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (g *Gateway) cancelOrder(c *gin.Context) {
	order, err := g.api.CancelOrder(c.Request.Context(), c.Param("id"), actorRole(c, models.RoleCustomer))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (g *Gateway) addItems(c *gin.Context) {
	var req addItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	order, err := g.api.AddItems(c.Request.Context(), orders.AddItemsInput{
		OrderID:     c.Param("id"),
		Items:       toItemInputs(req.Items),
		AmountDelta: req.AmountDelta,
	})
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (g *Gateway) orderHistory(c *gin.Context) {
	entries, err := g.api.OrderHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

func (g *Gateway) salesReport(c *gin.Context) {
	report, err := g.api.SalesReport(c.Request.Context())
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// listMenu returns the menu; ?available=true hides items that are off today.
func (g *Gateway) listMenu(c *gin.Context) {
	items, err := g.api.ListMenu(c.Request.Context())
	if err != nil {
		g.writeError(c, err)
		return
	}
	if c.Query("available") == "true" {
		on := make([]models.MenuItem, 0, len(items))
		for _, item := range items {
			if item.Available {
				on = append(on, item)
			}
		}
		items = on
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (g *Gateway) listStaff(c *gin.Context) {
	staff, err := g.api.ListStaff(c.Request.Context(), c.Query("role"))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"staff": staff})
}

func (g *Gateway) stateMachine(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"statuses":    models.AllStatuses,
		"transitions": statemachine.Transitions(),
	})
}
