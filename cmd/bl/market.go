package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bidline/internal/domain"
	"bidline/internal/engine"
	"bidline/internal/repo"
)

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Post and manage jobs",
	}
	job.AddCommand(jobPostCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobGetCmd())
	job.AddCommand(jobAcceptCmd())
	job.AddCommand(jobCancelCmd())
	job.AddCommand(jobExpireCmd())
	return job
}

func jobPostCmd() *cobra.Command {
	var opts engine.PostJobOptions
	var visibility string
	var answers []string
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a job as --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OwnerID = actorID()
			opts.Visibility = domain.Visibility(visibility)
			for _, a := range answers {
				q, ans, ok := strings.Cut(a, "=")
				if !ok {
					return fmt.Errorf("answer %q must be question=answer", a)
				}
				opts.Answers = append(opts.Answers, domain.Answer{Question: q, Answer: ans})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.PostJob(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "job id (optional)")
	cmd.Flags().StringVar(&opts.ServiceID, "service", "", "service id")
	cmd.Flags().StringVar(&opts.CategoryID, "category", "", "category id")
	cmd.Flags().StringVar(&opts.AddressID, "address", "", "address id")
	cmd.Flags().Int64Var(&opts.Price, "price", 0, "indicative price in minor units")
	cmd.Flags().StringVar(&visibility, "visibility", "public", "public or private")
	cmd.Flags().StringArrayVar(&opts.AllowedProviders, "allow", nil, "provider allowed on a private job (repeatable)")
	cmd.Flags().StringArrayVar(&answers, "answer", nil, "posting answer as question=answer (repeatable)")
	return cmd
}

func jobListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable(table.Row{"ID", "Owner", "Service", "Price", "State", "Visibility"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.OwnerID, j.ServiceID, j.Price, j.State, j.Visibility})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func jobGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <job-id> <quotation-id>",
		Short: "Accept a quotation and book the job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.AcceptQuotation(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func jobCancelCmd() *cobra.Command {
	var reason, description string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an open job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.CancelJob(ctx, args[0], reason, description, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancel reason code (see config reasons.cancel)")
	cmd.Flags().StringVar(&description, "description", "", "free text")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func jobExpireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire <id>",
		Short: "Expire an open job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.ExpireJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func quoteCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "quote",
		Short: "Bid on jobs and review bids",
	}
	q.AddCommand(quoteSubmitCmd())
	q.AddCommand(quoteListCmd())
	q.AddCommand(quoteRejectCmd())
	q.AddCommand(quoteReadCmd())
	q.AddCommand(quoteUnreadCmd())
	return q
}

func quoteSubmitCmd() *cobra.Command {
	var opts engine.SubmitQuotationOptions
	cmd := &cobra.Command{
		Use:   "submit <job-id>",
		Short: "Submit a quotation as --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.JobID = args[0]
			opts.ProviderID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.SubmitQuotation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "bid in minor units")
	cmd.Flags().StringVar(&opts.WorkDate, "work-date", "", "proposed work date (RFC3339)")
	cmd.Flags().StringVar(&opts.Note, "note", "", "cover note")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func quoteListCmd() *cobra.Command {
	var latest bool
	cmd := &cobra.Command{
		Use:   "list <job-id>",
		Short: "List quotations of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.Quotation
					err   error
				)
				if latest {
					items, err = e.LatestQuotations(ctx, args[0])
				} else {
					items, err = e.ListQuotations(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Provider", "Amount", "Work date", "Status", "Read", "Created"})
				for _, q := range items {
					tw.AppendRow(table.Row{q.ID, q.ProviderID, q.Amount, q.WorkDate, q.Status, q.ReadByClient, q.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "only the latest quotation per provider")
	return cmd
}

func quoteRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <quotation-id>",
		Short: "Reject a pending quotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.RejectQuotation(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to the provider")
	return cmd
}

func quoteReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <quotation-id>",
		Short: "Mark a quotation read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.MarkQuotationRead(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	return cmd
}

func quoteUnreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unread <job-id>",
		Short: "Count unread pending quotations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.UnreadQuotations(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"job_id": args[0], "unread": n})
				}
				fmt.Println(n)
				return nil
			})
		},
	}
	return cmd
}

func bookingCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "booking",
		Short: "Drive bookings through start and finish",
	}
	b.AddCommand(bookingListCmd())
	b.AddCommand(bookingGetCmd())
	b.AddCommand(bookingStepCmd("start", "Request to start the work", engine.Engine.RequestStart))
	b.AddCommand(bookingStepCmd("finish", "Request to finish the work", engine.Engine.RequestFinish))
	b.AddCommand(bookingExpireCmd())
	b.AddCommand(bookingSettleCmd())
	return b
}

func bookingListCmd() *cobra.Command {
	var f repo.BookingFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListBookings(ctx, f)
				if err != nil {
					return err
				}
				return printBookings(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.UserID, "user", "", "either party")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func bookingGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.GetBooking(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"booking":            b,
					"request_work_state": b.RequestWorkState(),
					"work_state":         b.WorkState(),
				})
			})
		},
	}
	return cmd
}

type bookingStep func(engine.Engine, context.Context, string, string) (domain.Booking, error)

func bookingStepCmd(use, short string, step bookingStep) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short + " as --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := step(e, ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printBookings([]domain.Booking{b})
			})
		},
	}
	return cmd
}

func bookingExpireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire <id>",
		Short: "Expire a booking whose work date passed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.MarkExpired(ctx, args[0])
				if err != nil {
					return err
				}
				return printBookings([]domain.Booking{b})
			})
		},
	}
	return cmd
}

func bookingSettleCmd() *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "settle <id>",
		Short: "Settle a completed booking (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					s   domain.Settlement
					err error
				)
				if show {
					s, err = e.Settlement(ctx, args[0])
				} else {
					s, err = e.SettleBooking(ctx, args[0], actorID())
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("booking %s settled at %s\n", s.BookingID, s.SettledAt)
				return printTransactions(s.Transactions)
			})
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "only show the recorded settlement")
	return cmd
}

func disputeCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispute",
		Short: "File and resolve disputes",
	}
	d.AddCommand(disputeFileCmd())
	d.AddCommand(disputeListCmd())
	d.AddCommand(disputeResolveCmd())
	return d
}

func disputeFileCmd() *cobra.Command {
	var opts engine.FileDisputeOptions
	cmd := &cobra.Command{
		Use:   "file <booking-id>",
		Short: "Open a dispute as --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.BookingID = args[0]
			opts.FilerID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.FileDispute(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "dispute reason code (see config reasons.dispute)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "free text")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func disputeListCmd() *cobra.Command {
	var bookingID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List disputes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDisputes(ctx, bookingID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Booking", "Filer", "Reason", "Status", "Outcome", "Created"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.BookingID, d.FilerID, d.Reason, d.Status, d.Outcome, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bookingID, "booking", "", "booking filter")
	cmd.Flags().StringVar(&status, "status", "", "open or resolved")
	return cmd
}

func disputeResolveCmd() *cobra.Command {
	var opts engine.ResolveDisputeOptions
	var outcome string
	cmd := &cobra.Command{
		Use:   "resolve <dispute-id>",
		Short: "Resolve a dispute as admin --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DisputeID = args[0]
			opts.AdminID = actorID()
			opts.Outcome = domain.DisputeOutcome(outcome)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, b, err := e.ResolveDispute(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"dispute": d, "booking": b})
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "resume, complete or cancel")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "resolution comment")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "review",
		Short: "Rate the other party of a completed booking",
	}
	r.AddCommand(reviewSubmitCmd())
	r.AddCommand(reviewListCmd())
	r.AddCommand(reviewRatingCmd())
	return r
}

func reviewSubmitCmd() *cobra.Command {
	var opts engine.SubmitReviewOptions
	cmd := &cobra.Command{
		Use:   "submit <booking-id>",
		Short: "Submit or update a review as --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.BookingID = args[0]
			opts.ReviewerID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rv, err := e.SubmitReview(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().StringVar(&opts.RevieweeID, "reviewee", "", "the other party")
	cmd.Flags().IntVar(&opts.Stars, "stars", 0, "1 to 5")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("reviewee")
	_ = cmd.MarkFlagRequired("stars")
	return cmd
}

func reviewListCmd() *cobra.Command {
	var revieweeID, bookingID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reviews",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListReviews(ctx, revieweeID, bookingID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Booking", "Reviewer", "Reviewee", "Stars", "Comment"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.BookingID, r.ReviewerID, r.RevieweeID, strings.Repeat("*", r.Stars), r.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&revieweeID, "reviewee", "", "reviewee filter")
	cmd.Flags().StringVar(&bookingID, "booking", "", "booking filter")
	return cmd
}

func reviewRatingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rating <user-id>",
		Short: "Show a user's rating summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RatingSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}
