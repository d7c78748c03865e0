package xkeylock_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omeyang/xcacheloader/pkg/util/xkeylock"
)

func ExampleNew() {
	pool, err := xkeylock.New[string](xkeylock.WithCapacity(1000), xkeylock.WithIdleTTL(time.Minute))
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer pool.Close()

	ctx := context.Background()
	g, err := pool.AcquireWrite(ctx, "user:42", time.Second)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("locked:", g.Key(), g.Mode())
	_ = g.Unlock()

	// Output:
	// locked: user:42 write
}

func ExamplePool_AcquireRead() {
	pool, _ := xkeylock.New[string]()
	defer pool.Close()

	ctx := context.Background()
	r1, _ := pool.AcquireRead(ctx, "config", 0)
	r2, _ := pool.AcquireRead(ctx, "config", 0)

	// 读锁持有期间，非阻塞获取写锁立即失败
	_, err := pool.AcquireWrite(ctx, "config", 0)
	fmt.Println("write blocked:", errors.Is(err, xkeylock.ErrTimeout))

	_ = r1.Unlock()
	_ = r2.Unlock()

	// Output:
	// write blocked: true
}

func ExampleGuard_Coalesced() {
	pool, _ := xkeylock.New[string]()
	defer pool.Close()

	ctx := context.Background()
	g, _ := pool.AcquireWrite(ctx, "report", -1)
	if v, ok := g.Coalesced(); ok {
		fmt.Println("reuse:", v)
	} else {
		g.Publish("computed")
		fmt.Println("computed by leader")
	}
	_ = g.Unlock()

	// Output:
	// computed by leader
}
