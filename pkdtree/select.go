package pkdtree

import (
	"context"
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/subgroup"
)

// selectContext runs the collective median search of one region, among the
// ranks holding its points.
type selectContext struct {
	*divider
	group *subgroup.Group
}

// Select reorders the global positions L to R along dim so that positions
// below the returned index hold values strictly smaller than the value at
// the index, and positions from it on hold values greater or equal. The
// index is the first occurrence of the median value; it equals L when the
// median is also the minimum.
func (sc *selectContext) Select(ctx context.Context, dim, L, R int) (int, error) {
	K := (L+R)/2 + 1

	if err := sc.selectK(ctx, dim, L, R, K); err != nil {
		return 0, err
	}
	if K == L {
		return K, nil
	}

	hasK := sc.index.WhoHas(K)
	hasKleft := sc.index.WhoHas(K - 1)

	kval, err := sc.broadcastValue(ctx, K, dim, hasK)
	if err != nil {
		return 0, err
	}
	kleftval, err := sc.broadcastValue(ctx, K-1, dim, hasKleft)
	if err != nil {
		return 0, err
	}
	if kleftval != kval {
		return K, nil
	}

	// Values equal to the median sit right before K; find the first one.
	firstKval := sc.index.TotalNumCells
	if sc.me <= hasKleft && sc.shard.len() > 0 {
		start := min(sc.shard.end(), K-1)
		finish := max(sc.shard.start, L)

		if start >= finish && sc.shard.val(start)[dim] == kval {
			firstKval = start
			for pos := start - 1; pos >= finish; pos-- {
				if sc.shard.val(pos)[dim] < kval {
					break
				}
				firstKval = pos
			}
		}
	}

	newK, err := subgroup.ReduceMin(ctx, sc.group, []int{firstKval}, sc.group.LocalRank(hasK))
	if err != nil {
		return 0, err
	}
	newK, err = subgroup.Broadcast(ctx, sc.group, newK, sc.group.LocalRank(hasK))
	if err != nil {
		return 0, err
	}
	return newK[0], nil
}

func (sc *selectContext) broadcastValue(ctx context.Context, pos, dim, owner int) (float32, error) {
	v := []float32{0}
	if sc.me == owner {
		v[0] = sc.shard.val(pos)[dim]
	}

	v, err := subgroup.Broadcast(ctx, sc.group, v, sc.group.LocalRank(owner))
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// selectK moves the K-th smallest value of positions L to R along dim to
// position K.
func (sc *selectContext) selectK(ctx context.Context, dim, L, R, K int) error {
	for R > L {
		if R-L > selectSampleThreshold {
			ll, rr := kdtree.SampleRange(L, R, K)
			if err := sc.selectK(ctx, dim, ll, rr, K); err != nil {
				return err
			}
		}

		p1 := sc.index.WhoHas(L)
		p2 := sc.index.WhoHas(R)

		i, j, err := sc.partitionSubArray(ctx, dim, L, R, K, p1, p2)
		if err != nil {
			return err
		}

		switch {
		case K >= j:
			L = j
		case K >= i:
			return nil
		default:
			R = i - 1
		}
	}
	return nil
}

const selectSampleThreshold = 600

// partitionSubArray reorders positions L to R, held by ranks p1 to p2,
// around the value at K along dim. It returns the first position of the
// values equal to it and the first position of the greater values. Every
// member of the region group takes part; ranks outside p1 to p2 only get
// the result.
func (sc *selectContext) partitionSubArray(ctx context.Context, dim, L, R, K, p1, p2 int) (int, int, error) {
	rootRank := sc.group.LocalRank(p1)
	me := sc.me

	if me < p1 || me > p2 {
		r, err := subgroup.Broadcast(ctx, sc.group, []int{0, 0}, rootRank)
		if err != nil {
			return 0, 0, err
		}
		return r[0], r[1], nil
	}

	if p1 == p2 {
		t := sc.shard.val(K)[dim]
		i, j := kdtree.Partition3(sc.shard.current, dim, sc.shard.local(L), sc.shard.local(R), t)

		r, err := subgroup.Broadcast(ctx, sc.group, []int{i + sc.shard.start, j + sc.shard.start}, rootRank)
		if err != nil {
			return 0, 0, err
		}
		return r[0], r[1], nil
	}

	sg, err := subgroup.New(sc.t, p1, p2, sc.group.Tag())
	if err != nil {
		return 0, 0, err
	}

	hasK := sc.index.WhoHas(K)
	t := []float32{0}
	if me == hasK {
		t[0] = sc.shard.val(K)[dim]
	}
	if t, err = subgroup.Broadcast(ctx, sg, t, sg.LocalRank(hasK)); err != nil {
		return 0, 0, err
	}

	myL := max(sc.shard.start, L)
	myR := min(sc.shard.end(), R)

	i, j := kdtree.Partition3(sc.shard.current, dim, sc.shard.local(myL), sc.shard.local(myR), t[0])
	i += sc.shard.start
	j += sc.shard.start

	all, err := subgroup.AllGather(ctx, sg, []int{myL, myR, i, j})
	if err != nil {
		return 0, 0, err
	}

	n := sg.Size()
	left := make([]int, n)
	leftArray := make([]int, n)
	centerArray := make([]int, n)
	rightArray := make([]int, n)

	leftTotal, centerTotal := 0, 0
	for p := 0; p < n; p++ {
		left[p] = all[4*p]
		right, iv, jv := all[4*p+1], all[4*p+2], all[4*p+3]

		leftArray[p] = iv - left[p]
		centerArray[p] = jv - iv
		rightArray[p] = right - jv + 1

		leftTotal += leftArray[p]
		centerTotal += centerArray[p]
	}

	firstCenter := left[0] + leftTotal
	firstRight := firstCenter + centerTotal

	// Positions of the shard outside L to R are not moved.
	if myL > sc.shard.start || myR < sc.shard.end() {
		copy(sc.shard.next, sc.shard.current)
	}

	x := exchange{
		selectContext: sc,
		group:         sg,
		p1:            p1,
	}
	if err := x.run(ctx, left, leftArray, centerArray, rightArray); err != nil {
		return 0, 0, err
	}
	sc.shard.switchBuffers()

	r, err := subgroup.Broadcast(ctx, sc.group, []int{firstCenter, firstRight}, rootRank)
	if err != nil {
		return 0, 0, err
	}
	return r[0], r[1], nil
}

// exchange moves the partitioned points so that, across ranks, all the
// smaller values come first, then the equal ones, then the greater ones.
// Every rank keeps the number of points it had.
type exchange struct {
	*selectContext
	group *subgroup.Group
	p1    int
}

func (x *exchange) run(ctx context.Context, left, leftArray, centerArray, rightArray []int) error {
	n := len(left)

	offsets := [3]func(p int) int{
		func(p int) int { return left[p] },
		func(p int) int { return left[p] + leftArray[p] },
		func(p int) int { return left[p] + leftArray[p] + centerArray[p] },
	}
	counts := [3][]int{leftArray, centerArray, rightArray}

	var used [3][]int
	var nextSender [3]int
	for part := range used {
		used[part] = make([]int, n)
	}

	for recv := 0; recv < n; recv++ {
		need := leftArray[recv] + centerArray[recv] + rightArray[recv]
		have := 0

		for part := 0; part < 3 && need > 0; part++ {
			for snd := nextSender[part]; snd < n && need > 0; snd++ {
				avail := counts[part][snd] - used[part][snd]
				if avail <= 0 {
					continue
				}

				take := min(avail, need)
				from := offsets[part](snd) + used[part][snd]
				if err := x.transfer(ctx, snd, recv, from, left[recv]+have, take); err != nil {
					return err
				}

				used[part][snd] += take
				have += take
				need -= take
			}

			for nextSender[part] < n && used[part][nextSender[part]] == counts[part][nextSender[part]] {
				nextSender[part]++
			}
		}
	}
	return nil
}

// transfer copies count points from global position from on local rank snd
// to global position to on local rank recv.
func (x *exchange) transfer(ctx context.Context, snd, recv, from, to, count int) error {
	me := x.group.Rank()
	if me != snd && me != recv {
		return nil
	}

	shard := x.shard
	dst := 3 * shard.local(to)

	if me == snd {
		src := 3 * shard.local(from)
		data := shard.current[src : src+3*count]

		if me == recv {
			copy(shard.next[dst:], data)
			return nil
		}
		return subgroup.Send(ctx, x.group, data, recv)
	}

	data, err := subgroup.Receive[float32](ctx, x.group, snd)
	if err != nil {
		return err
	}
	if len(data) != 3*count {
		return errors.New("unexpected transfer size").
			WithType(subgroup.ErrTypeMismatch).
			WithTag("expected", 3*count).
			WithTag("received", len(data))
	}
	copy(shard.next[dst:], data)
	return nil
}

// dataBounds returns the bounds of the points at positions L to K-1 and K
// to R.
func (sc *selectContext) dataBounds(ctx context.Context, L, K, R int) (kdtree.Box, kdtree.Box, error) {
	lmin, lmax := sc.localMinMax(L, K-1)
	rmin, rmax := sc.localMinMax(K, R)

	mins, err := subgroup.AllReduceMin(ctx, sc.group, append(lmin, rmin...))
	if err != nil {
		return kdtree.Box{}, kdtree.Box{}, err
	}
	maxs, err := subgroup.AllReduceMax(ctx, sc.group, append(lmax, rmax...))
	if err != nil {
		return kdtree.Box{}, kdtree.Box{}, err
	}

	box := func(lo, hi []float32) kdtree.Box {
		return kdtree.NewBox(
			float64(lo[0]), float64(hi[0]),
			float64(lo[1]), float64(hi[1]),
			float64(lo[2]), float64(hi[2]),
		)
	}
	return box(mins[:3], maxs[:3]), box(mins[3:], maxs[3:]), nil
}

// localMinMax returns the bounds of the local points at positions L to R.
// A rank holding none of them reports an inverted box.
func (sc *selectContext) localMinMax(L, R int) ([]float32, []float32) {
	inf := float32(math.Inf(1))
	lo := []float32{inf, inf, inf}
	hi := []float32{-inf, -inf, -inf}

	from := max(L, sc.shard.start)
	to := min(R, sc.shard.end())
	for pos := from; pos <= to; pos++ {
		v := sc.shard.val(pos)
		for d := 0; d < 3; d++ {
			lo[d] = min(lo[d], v[d])
			hi[d] = max(hi[d], v[d])
		}
	}
	return lo, hi
}
