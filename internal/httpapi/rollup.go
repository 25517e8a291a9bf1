package httpapi

import (
	"fmt"
	"time"

	"github.com/lighterfeed/lighterfeed/internal/model"
)

// buildRollup aggregates the live cache snapshot into a PortfolioRollup,
// computed fresh on every request and never cached itself.
func (s *Server) buildRollup() model.PortfolioRollup {
	now := time.Now()
	out := model.PortfolioRollup{}

	for _, acc := range s.registry.All() {
		row := model.AccountRollup{AccountID: acc.AccountID, AccountName: acc.AccountName}

		v, ok := s.cache.Get(fmt.Sprintf("account:%d", acc.AccountID))
		if ok {
			if snapshot, ok := v.(model.AccountSnapshot); ok {
				row.IsLive = now.Sub(time.Unix(int64(snapshot.LastUpdate), 0)) < liveThreshold
				if collateral, ok := snapshot.Raw.Path("accounts", 0, "collateral"); ok {
					row.Collateral, _ = collateral.Float()
				}
				if avail, ok := snapshot.Raw.Path("accounts", 0, "available_balance"); ok {
					row.AvailableBal, _ = avail.Float()
				}
				row.OrderCount = len(snapshot.ActiveOrders)
				if positions, ok := snapshot.Raw.Path("accounts", 0, "positions"); ok {
					if arr, ok := positions.Array(); ok {
						row.PositionCount = len(arr)
					}
				}
			}
		}

		out.Accounts = append(out.Accounts, row)
		out.Total.Collateral += row.Collateral
		out.Total.AvailableBal += row.AvailableBal
		out.Total.PositionCount += row.PositionCount
		out.Total.OrderCount += row.OrderCount
		if row.IsLive {
			out.Total.IsLive = true
		}
	}

	return out
}
