package coordinator

import "context"

// Reply channels passed through Inbox must have room for one value.
func (c *Coordinator) do(ctx context.Context, build func(reply chan Result) Msg) (Result, error) {
	reply := make(chan Result, 1)
	select {
	case c.inbox <- build(reply):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Coordinator) StartQuestion(ctx context.Context, questionID string) error {
	_, err := c.do(ctx, func(r chan Result) Msg { return StartQuestion{QuestionID: questionID, Reply: r} })
	return err
}

func (c *Coordinator) BeginResponse(ctx context.Context) error {
	_, err := c.do(ctx, func(r chan Result) Msg { return BeginResponse{Reply: r} })
	return err
}

func (c *Coordinator) Judge(ctx context.Context, correct bool) error {
	_, err := c.do(ctx, func(r chan Result) Msg { return Judge{Correct: correct, Reply: r} })
	return err
}

func (c *Coordinator) ResetBuzzer(ctx context.Context) error {
	_, err := c.do(ctx, func(r chan Result) Msg { return ResetBuzzer{Reply: r} })
	return err
}

// CreateTeam returns the id of the new or already existing team of that name.
func (c *Coordinator) CreateTeam(ctx context.Context, name string) (string, error) {
	res, err := c.do(ctx, func(r chan Result) Msg { return CreateTeam{Name: name, Reply: r} })
	return res.TeamID, err
}

func (c *Coordinator) DeleteTeam(ctx context.Context, teamID string) error {
	_, err := c.do(ctx, func(r chan Result) Msg { return DeleteTeam{TeamID: teamID, Reply: r} })
	return err
}

func (c *Coordinator) AdjustScore(ctx context.Context, teamID string, delta int) error {
	_, err := c.do(ctx, func(r chan Result) Msg { return AdjustScore{TeamID: teamID, Delta: delta, Reply: r} })
	return err
}

func (c *Coordinator) AdvanceSuper(ctx context.Context) error {
	_, err := c.do(ctx, func(r chan Result) Msg { return AdvanceSuper{Reply: r} })
	return err
}

func (c *Coordinator) ExitSuper(ctx context.Context) error {
	_, err := c.do(ctx, func(r chan Result) Msg { return ExitSuper{Reply: r} })
	return err
}

func (c *Coordinator) JudgeSuper(ctx context.Context, teamID string, correct bool) error {
	_, err := c.do(ctx, func(r chan Result) Msg { return JudgeSuper{TeamID: teamID, Correct: correct, Reply: r} })
	return err
}

func (c *Coordinator) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case c.inbox <- GetState{Reply: reply}:
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}
