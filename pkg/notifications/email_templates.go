package notifications

import "fmt"

// buildSubscriptionActivatedEmail returns the email content for a newly activated subscription.
func buildSubscriptionActivatedEmail(userName, planName, baseURL string) (subject, html, plainText string) {
	subject = "Your Examly subscription has been activated"

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Subscription Activated!</h2>
			<p>Hi %s,</p>
			<p>Your <strong>%s</strong> subscription is now active. Here's what you get:</p>
			<ul>
				<li>Chat-based tutoring without daily limits</li>
				<li>File uploads for your course material</li>
				<li>Access to exams and quizzes</li>
				<li>Priority technical support</li>
			</ul>
			<p><a href="%s/dashboard" style="background-color: #4CAF50; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">Go to Dashboard</a></p>
			<p>Thanks,<br>The Examly Team</p>
		</body>
		</html>
	`, userName, planName, baseURL)

	plainText = fmt.Sprintf(`Hi %s,

Your %s subscription is now active. Here's what you get:

- Chat-based tutoring without daily limits
- File uploads for your course material
- Access to exams and quizzes
- Priority technical support

Visit your dashboard: %s/dashboard

Thanks,
The Examly Team
`, userName, planName, baseURL)

	return
}

// buildSubscriptionCanceledEmail returns the email content for a canceled subscription.
func buildSubscriptionCanceledEmail(userName, baseURL string) (subject, html, plainText string) {
	subject = "Your Examly subscription has been canceled"

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Subscription Canceled</h2>
			<p>Hi %s,</p>
			<p>We're sorry to see you go. Your subscription has been canceled.</p>
			<p>Your chats, documents and quiz history stay in your account on the free plan.</p>
			<p>You can resubscribe at any time from your dashboard:</p>
			<p><a href="%s/subscription" style="background-color: #2196F3; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">View Plans</a></p>
			<p>If you have any feedback, we'd love to hear from you at support@examly.io.</p>
			<p>Thanks,<br>The Examly Team</p>
		</body>
		</html>
	`, userName, baseURL)

	plainText = fmt.Sprintf(`Hi %s,

We're sorry to see you go. Your subscription has been canceled.

Your chats, documents and quiz history stay in your account on the free plan.

You can resubscribe at any time: %s/subscription

If you have any feedback, we'd love to hear from you at support@examly.io.

Thanks,
The Examly Team
`, userName, baseURL)

	return
}

// buildSubscriptionRenewedEmail returns the email content for a renewed subscription.
func buildSubscriptionRenewedEmail(userName, planName, nextBillingDate, baseURL string) (subject, html, plainText string) {
	subject = "Your Examly subscription has been renewed"

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Subscription Renewed</h2>
			<p>Hi %s,</p>
			<p>Your <strong>%s</strong> subscription has been successfully renewed.</p>
			<p><strong>Next billing date:</strong> %s</p>
			<p><a href="%s/dashboard" style="background-color: #4CAF50; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">Go to Dashboard</a></p>
			<p>Thanks,<br>The Examly Team</p>
		</body>
		</html>
	`, userName, planName, nextBillingDate, baseURL)

	plainText = fmt.Sprintf(`Hi %s,

Your %s subscription has been successfully renewed.

Next billing date: %s

Visit your dashboard: %s/dashboard

Thanks,
The Examly Team
`, userName, planName, nextBillingDate, baseURL)

	return
}

// buildPaymentFailedEmail returns the email content when a payment fails.
func buildPaymentFailedEmail(userName, baseURL string) (subject, html, plainText string) {
	subject = "Action required: Your Examly payment failed"

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Payment Failed</h2>
			<p>Hi %s,</p>
			<p>We couldn't process the payment for your subscription. Please update your payment method to keep your access.</p>
			<p><a href="%s/subscription" style="background-color: #f44336; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">Update Payment Method</a></p>
			<p>We'll retry the payment automatically over the next few days. If it keeps failing, your subscription will be paused.</p>
			<p>Thanks,<br>The Examly Team</p>
		</body>
		</html>
	`, userName, baseURL)

	plainText = fmt.Sprintf(`Hi %s,

We couldn't process the payment for your subscription. Please update your payment method to keep your access:

%s/subscription

We'll retry the payment automatically over the next few days. If it keeps failing, your subscription will be paused.

Thanks,
The Examly Team
`, userName, baseURL)

	return
}

// buildSubscriptionExpiringEmail returns the email content for a subscription lapsing at period end.
func buildSubscriptionExpiringEmail(userName, expiresOn, baseURL string) (subject, html, plainText string) {
	subject = "Your Examly subscription expires soon"

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Subscription Expiring Soon</h2>
			<p>Hi %s,</p>
			<p>Your subscription is set to end on <strong>%s</strong>. After that you'll be moved to the free plan.</p>
			<p>Changed your mind? You can keep your subscription with one click:</p>
			<p><a href="%s/subscription" style="background-color: #2196F3; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">Keep My Subscription</a></p>
			<p>Thanks,<br>The Examly Team</p>
		</body>
		</html>
	`, userName, expiresOn, baseURL)

	plainText = fmt.Sprintf(`Hi %s,

Your subscription is set to end on %s. After that you'll be moved to the free plan.

Changed your mind? Keep your subscription here: %s/subscription

Thanks,
The Examly Team
`, userName, expiresOn, baseURL)

	return
}

// buildSubscriptionExpiredEmail returns the email content for an expired subscription.
func buildSubscriptionExpiredEmail(userName, baseURL string) (subject, html, plainText string) {
	subject = "Your Examly subscription has expired"

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Subscription Expired</h2>
			<p>Hi %s,</p>
			<p>Your subscription has expired and your account is back on the free plan.</p>
			<p>Your chats, documents and quiz history are safe. Resubscribe any time to get full access back:</p>
			<p><a href="%s/subscription" style="background-color: #4CAF50; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">Resubscribe</a></p>
			<p>Thanks,<br>The Examly Team</p>
		</body>
		</html>
	`, userName, baseURL)

	plainText = fmt.Sprintf(`Hi %s,

Your subscription has expired and your account is back on the free plan.

Your chats, documents and quiz history are safe. Resubscribe any time: %s/subscription

Thanks,
The Examly Team
`, userName, baseURL)

	return
}

// buildTrialEndingEmail returns the email content when a trial is about to end.
func buildTrialEndingEmail(userName, trialEndsOn, baseURL string) (subject, html, plainText string) {
	subject = "Your Examly trial ends soon"

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Trial Ending Soon</h2>
			<p>Hi %s,</p>
			<p>Your free trial ends on <strong>%s</strong>. Your first payment will be collected automatically after that.</p>
			<p>Want to review or change your plan first?</p>
			<p><a href="%s/subscription" style="background-color: #2196F3; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">Manage Subscription</a></p>
			<p>Thanks,<br>The Examly Team</p>
		</body>
		</html>
	`, userName, trialEndsOn, baseURL)

	plainText = fmt.Sprintf(`Hi %s,

Your free trial ends on %s. Your first payment will be collected automatically after that.

Want to review or change your plan first? %s/subscription

Thanks,
The Examly Team
`, userName, trialEndsOn, baseURL)

	return
}
