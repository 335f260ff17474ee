package decision

import (
	"context"
	"sort"

	"deliberate/internal/logging"
	"deliberate/internal/types"
)

// natureStrategy is the single column used when no opponent is modelled.
const natureStrategy = "/nature"

// GameTheory models each opponent as a bimatrix game (rows = our options,
// columns = the opponent's strategies) and scores an option by the probability
// it is played at equilibrium, averaged over opponents.
type GameTheory struct {
	rounds int
}

// NewGameTheory returns the strategy; rounds bounds fictitious play.
func NewGameTheory(rounds int) *GameTheory {
	if rounds <= 0 {
		rounds = 2000
	}
	return &GameTheory{rounds: rounds}
}

func (g *GameTheory) Kind() types.StrategyKind { return types.StrategyGameTheory }

// Game is a two-player bimatrix game. Row[i][j] is our payoff, Col[i][j] the opponent's.
type Game struct {
	Row [][]float64
	Col [][]float64
}

func (g *GameTheory) Score(ctx context.Context, dc *types.DecisionContext, options []types.DecisionOption) ([]float64, error) {
	opponents := dc.Opponents
	if len(opponents) == 0 {
		opponents = []types.Opponent{{ID: "nature", Strategies: []string{natureStrategy}}}
	}
	scores := make([]float64, len(options))
	for _, opp := range opponents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		game := buildGame(options, opp)
		mix, pure := g.Solve(game)
		logging.DecisionDebug("game vs %s: %d strategies, pure equilibrium=%v", opp.ID, len(game.Row[0]), pure)
		for i, p := range mix {
			scores[i] += p / float64(len(opponents))
		}
	}
	return scores, nil
}

func buildGame(options []types.DecisionOption, opp types.Opponent) Game {
	cols := opp.Strategies
	if len(cols) == 0 {
		cols = []string{natureStrategy}
	}
	game := Game{Row: make([][]float64, len(options)), Col: make([][]float64, len(options))}
	for i := range options {
		game.Row[i] = make([]float64, len(cols))
		game.Col[i] = make([]float64, len(cols))
		for j, s := range cols {
			self := expectedValue(&options[i])
			other := -self
			if p, ok := options[i].Payoffs[s]; ok {
				self = p.Self
				other = -p.Self
				if p.Opponent != nil {
					other = *p.Opponent
				}
			}
			game.Row[i][j] = self
			game.Col[i][j] = other
		}
	}
	return game
}

// Solve returns our equilibrium strategy as a probability per row. Pure Nash
// equilibria are preferred; among several, the ones with the highest row payoff
// share the probability. Without a pure equilibrium the mixed equilibrium is
// approximated by fictitious play.
func (g *GameTheory) Solve(game Game) (mix []float64, pure bool) {
	rows := len(game.Row)
	mix = make([]float64, rows)
	if rows == 0 {
		return mix, false
	}
	eq := PureEquilibria(game)
	if len(eq) > 0 {
		best := game.Row[eq[0][0]][eq[0][1]]
		for _, e := range eq {
			if v := game.Row[e[0]][e[1]]; v > best {
				best = v
			}
		}
		chosen := make(map[int]bool)
		for _, e := range eq {
			if game.Row[e[0]][e[1]] >= best-scoreEpsilon {
				chosen[e[0]] = true
			}
		}
		for i := range chosen {
			mix[i] = 1 / float64(len(chosen))
		}
		return mix, true
	}
	return FictitiousPlay(game, g.rounds), false
}

// PureEquilibria lists every (row, col) cell where neither player gains by
// deviating unilaterally, sorted by row then column.
func PureEquilibria(game Game) [][2]int {
	rows := len(game.Row)
	if rows == 0 {
		return nil
	}
	cols := len(game.Row[0])
	var eq [][2]int
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			rowBest := true
			for k := 0; k < rows; k++ {
				if game.Row[k][j] > game.Row[i][j]+scoreEpsilon {
					rowBest = false
					break
				}
			}
			if !rowBest {
				continue
			}
			colBest := true
			for l := 0; l < cols; l++ {
				if game.Col[i][l] > game.Col[i][j]+scoreEpsilon {
					colBest = false
					break
				}
			}
			if colBest {
				eq = append(eq, [2]int{i, j})
			}
		}
	}
	sort.Slice(eq, func(a, b int) bool {
		if eq[a][0] != eq[b][0] {
			return eq[a][0] < eq[b][0]
		}
		return eq[a][1] < eq[b][1]
	})
	return eq
}

// FictitiousPlay runs Brown's fictitious play: each round both players
// best-respond to the opponent's empirical mix. The row player's empirical
// frequencies converge to a Nash strategy in zero-sum and 2xN games.
func FictitiousPlay(game Game, rounds int) []float64 {
	rows := len(game.Row)
	cols := len(game.Row[0])
	rowCounts := make([]float64, rows)
	colCounts := make([]float64, cols)
	// Uniform initial beliefs.
	for i := range rowCounts {
		rowCounts[i] = 1 / float64(rows)
	}
	for j := range colCounts {
		colCounts[j] = 1 / float64(cols)
	}

	played := make([]float64, rows)
	for r := 0; r < rounds; r++ {
		bi, bv := 0, 0.0
		for i := 0; i < rows; i++ {
			var v float64
			for j := 0; j < cols; j++ {
				v += game.Row[i][j] * colCounts[j]
			}
			if i == 0 || v > bv+scoreEpsilon {
				bi, bv = i, v
			}
		}
		bj, bw := 0, 0.0
		for j := 0; j < cols; j++ {
			var w float64
			for i := 0; i < rows; i++ {
				w += game.Col[i][j] * rowCounts[i]
			}
			if j == 0 || w > bw+scoreEpsilon {
				bj, bw = j, w
			}
		}
		rowCounts[bi]++
		colCounts[bj]++
		played[bi]++
	}
	for i := range played {
		played[i] /= float64(rounds)
	}
	return played
}
